/*
Package api serves the HTTP control plane: tenant, fleet, and key
administration plus health and metrics.

The control plane is separate from the session plane. It listens on
its own address, speaks plain JSON over REST, and authenticates with
admin API keys; tenant bootstrap uses the operator's configured
bootstrap key.

# Endpoints

	GET  /health                                   liveness
	GET  /health/live                              liveness
	GET  /health/ready                             store reachability
	GET  /metrics                                  Prometheus

	POST   /api/v1/tenants                         bootstrap key
	DELETE /api/v1/tenants/{id}                    bootstrap key

	GET   /api/v1/tenants/{id}                     admin key, own tenant
	PATCH /api/v1/tenants/{id}                     name and plan
	GET   /api/v1/tenants/{id}/usage
	GET   /api/v1/tenants/{id}/agents              all fleets, with presence
	GET   /api/v1/tenants/{id}/audit?since_hours=24

	GET    /api/v1/tenants/{id}/fleets
	POST   /api/v1/tenants/{id}/fleets
	DELETE /api/v1/tenants/{id}/fleets/{fleet}
	GET    /api/v1/tenants/{id}/fleets/{fleet}/agents/{agent}/sessions
	POST   /api/v1/tenants/{id}/fleets/{fleet}/agents/{agent}/kick

	GET    /api/v1/tenants/{id}/keys
	POST   /api/v1/tenants/{id}/keys
	POST   /api/v1/keys/{id}/rotate
	DELETE /api/v1/keys/{id}

# Tenant Scoping

Admin keys are tenant scoped: the {id} segment must name the key's own
tenant, and any other id renders forbidden. A lookup miss inside the
tenant surface also renders forbidden, not not_found, so a key holder
cannot probe whether an id exists under another tenant. Key hashes and
password hashes are stripped from every response.

# Errors

Errors use the wire error shape with its HTTP-equivalent status:

	{"error": {"code": "quota_exceeded", "message": "fleet quota exhausted"}}

# Usage

	srv := api.NewServer(h)
	go srv.Start(cfg.ControlAddr)
	defer srv.Shutdown(ctx)

# See Also

  - pkg/hub for the components behind the handlers
  - pkg/protocol for the error codes
*/
package api
