/*
Package config holds the server configuration and per-plan quotas.

Default() returns the compiled defaults; Load(path) overlays a YAML
file selectively, so a config file only states what it changes. Plan
quotas live in a map keyed by plan name and unknown plans fall back to
free.

	listen_addr: ":7420"
	gateway:
	  heartbeat_seconds: 15
	quotas:
	  pro:
	    max_agents: 100
*/
package config
