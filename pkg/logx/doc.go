// Package logx configures opsagent's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert hook (min-level + rate limiting) that forwards
//     error records to the notifier
package logx
