// Package logger builds the zap logger shared by every execbox component.
//
// Logs always go to stderr because the MCP stdio transport owns stdout.
// Production mode writes unsampled JSON so every per-execution event is kept.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	log.Info("Execution finished", zap.String("terminal_reason", "completed"))
package logger
