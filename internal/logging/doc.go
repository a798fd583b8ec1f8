// Package logging provides structured logging for the kasa tooling.
//
// This package wraps a global zap logger with convenience functions used by
// the transport, discovery and CLI packages.
//
// # Log Levels
//
//   - Debug: wire dumps (hex/ASCII), every datagram sent and received
//   - Info: discovery runs starting/stopping, device lifecycle changes
//   - Warn: malformed datagrams, failed requests
//   - Error: socket failures that end a discovery run
//
// # Configuration
//
// Logging is silent unless a level is given, either explicitly or through
// the KASA_LOG_LEVEL environment variable:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// Output is written to stderr in console format so it never mixes with
// command output on stdout.
package logging
