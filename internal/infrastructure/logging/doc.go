// Package logging wraps uber/zap for the channel kernel.
//
// Production builds log JSON; development builds log colored console output
// at debug level. Component loggers tag every line with the subsystem name
// and Channel loggers add the channel id and owning process, so a single
// endpoint's history can be pulled out of a busy log with one filter.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Kernel starting", zap.String("port", "8000"))
//	logger.Channel(id, pid).Debug("Endpoint moved", zap.String("transition", "proxied"))
package logging
