/*
Package metrics registers RingForge's Prometheus collectors.

Collectors are package-level and registered once at init; components
update them directly. Handler() exposes the registry for the control
plane's /metrics endpoint.
*/
package metrics
