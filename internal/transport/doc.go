// Package transport implements the TCP request/response exchange with a
// single device.
//
// Each call to Client.Send opens exactly one connection, writes the
// length-prefixed obfuscated payload, reads until the device closes the
// stream, and decodes the reply as JSON. There is no pooling, no keep-alive
// and no retry; callers decide whether to try again.
//
// # Errors
//
// Failures are reported as *DeviceError with a Type that separates the
// cases a user needs to tell apart:
//
//	resp, err := client.Send(ctx, "192.168.1.20", 9999, payload, 5*time.Second)
//	switch {
//	case transport.IsTimeout(err):
//	    // no complete reply before the deadline
//	case transport.IsConnectionRefused(err), transport.IsConnectionReset(err):
//	    // the device (or something at that address) rejected us
//	case transport.IsParseError(err):
//	    // the reply was not JSON after decoding
//	case transport.IsProtocolError(err):
//	    // the device answered with a non-zero err_code
//	}
//
// GetShortErrorMessage and GetTroubleshootingHint render these for the CLI.
package transport
