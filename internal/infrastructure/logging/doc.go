// Package logging provides structured logging for pnp-hooks.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the webhook handlers.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("model resolved", "model_id", id)
//	logger.Error("fetch failed", "error", err)
//
// Never log repository tokens, function keys or JWT secrets.
package logging
