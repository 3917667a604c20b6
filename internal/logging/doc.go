// Package logging provides opt-in file-based logging with rotation for the
// memory index. When debug level is configured, comprehensive logs are
// written to ~/.memindex/logs/ for troubleshooting sync and embedding issues.
//
// DefaultConfig logs at info level to ~/.memindex/logs/ and to stderr;
// DebugConfig is the same at debug level.
package logging
