// Package logx configures svcdispatch's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Repetitive warnings bounded (Throttle, per-key rate limiting)
package logx
