// Package logging provides structured logging for the openfleet scheduler.
//
// This package wraps Go's log/slog to write JSON lines with persistent context
// attributes, so that pool and assessment activity for one task can be
// filtered out of a busy log after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/lib/openfleet/logs", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	poolLog := logger.WithComponent("pool")
//	poolLog.WithTask("task-42").WithBackend("codex").Info("session launched", "session_id", id)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"session launched","component":"pool","task_key":"task-42","backend":"codex","session_id":"..."}
//
// # Log Rotation
//
// Long-running `openfleet serve` processes should rotate:
//
//	logger, err := logging.NewLoggerWithRotation(dir, "INFO", logging.RotationConfig{
//	    MaxSizeMB:  10,
//	    MaxBackups: 3,
//	    Compress:   true,
//	})
//
// Rotated files are named openfleet.log.1, openfleet.log.2, ... where .1 is
// the newest; with compression they become openfleet.log.1.gz and so on.
//
// # Nil Loggers
//
// Every method is safe on a nil *Logger. Components take an optional logger
// and tests may pass nil or [NopLogger].
package logging
