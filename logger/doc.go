// Package logger builds the zap logger shared by every component.
//
// Components receive the *zap.Logger in their constructors and derive a
// named child with Named. Logs always go to stderr so the stdio transport
// keeps stdout to itself.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Named("engine").Info("engine started", zap.Int("slots", 4))
package logger
