// Package logx configures dynbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated
//   - Optional operator alert sink (min-level + rate limiting)
package logx
