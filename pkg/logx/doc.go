// Package logx configures cadence's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller), or JSON for journald
//   - File output JSON-structured
//   - Repetitive warnings throttled (see Throttle)
package logx
