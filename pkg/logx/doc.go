// Package logx configures structured logging for the mirror bots.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Discord ops-channel sink (min-level + rate limiting)
package logx
