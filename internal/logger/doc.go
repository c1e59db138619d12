// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a sane console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - an optional append-only log file (Configure),
//   - convenience functions (InfoKV, WarnKV, ErrorKV, etc.).
//
// The poller accepts a context everywhere and extracts the logger from it,
// so a network name or cycle phase attached once shows up on every line.
package logger
