/*
Package log provides structured logging for RingForge using zerolog.

Init configures the global logger once (level, JSON or console
output); the With* helpers return child loggers carrying the standard
correlation fields so every line from a component is greppable by
tenant, fleet, agent, or session.

# Usage

	log.Init(log.Config{Level: "info", JSON: true})

	logger := log.WithComponent("gateway")
	logger.Info().Str("session_id", sid).Msg("session opened")

	tlog := log.WithTenant(tenantID)
	tlog.Warn().Msg("quota warning")

Console format is for development; production runs JSON.
*/
package log
