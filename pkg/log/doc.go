/*
Package log wraps zerolog with stevedore's logging conventions.

Call Init once at startup, then either use the package-level helpers or
derive a child logger with a component field:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("placement")
	logger.Info().Str("node_id", node.ID).Msg("allocation placed")

Console output is the default; set JSONOutput for machine-readable logs.
*/
package log
