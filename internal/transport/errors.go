package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrorType represents the category of error that occurred
type ErrorType int

const (
	// ErrTypeNetwork indicates a network-level error not covered by a more specific type
	ErrTypeNetwork ErrorType = iota
	// ErrTypeTimeout indicates the request did not complete before its deadline
	ErrTypeTimeout
	// ErrTypeConnectionRefused indicates the device refused the connection
	ErrTypeConnectionRefused
	// ErrTypeConnectionReset indicates the device reset the connection mid-exchange
	ErrTypeConnectionReset
	// ErrTypeDNS indicates a DNS resolution failure
	ErrTypeDNS
	// ErrTypeParse indicates the response could not be decoded as JSON
	ErrTypeParse
	// ErrTypeProtocol indicates the device answered with a non-zero error code
	ErrTypeProtocol
	// ErrTypeDiscovery indicates a UDP bind/send failure that ended a discovery run
	ErrTypeDiscovery
)

// NetworkErrorSubtype provides more specific network error classification
type NetworkErrorSubtype int

const (
	NetworkErrorGeneral NetworkErrorSubtype = iota
	NetworkErrorHostUnreachable
	NetworkErrorNetworkUnreachable
	NetworkErrorCanceled
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeNetwork:
		return "Network Error"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeConnectionRefused:
		return "Connection Refused"
	case ErrTypeConnectionReset:
		return "Connection Reset"
	case ErrTypeDNS:
		return "DNS Error"
	case ErrTypeParse:
		return "Parse Error"
	case ErrTypeProtocol:
		return "Protocol Error"
	case ErrTypeDiscovery:
		return "Discovery Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// DeviceError represents an error that occurred while talking to a device
type DeviceError struct {
	Type           ErrorType           // Category of error
	Message        string              // Human-readable error message
	Err            error               // Underlying error (if any)
	NetworkSubtype NetworkErrorSubtype // More specific network error type
	Host           string              // Device host (for context)

	// ErrCode is the device-reported error code for ErrTypeProtocol.
	ErrCode int
	// Response is the parsed response (ErrTypeProtocol) or the raw
	// decrypted text (ErrTypeParse).
	Response any
}

// Error implements the error interface
func (e *DeviceError) Error() string {
	msg := e.Message
	if e.Host != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Host)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying error for error chain inspection
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// ClassifyNetworkError analyzes an error and returns a more specific error type
func ClassifyNetworkError(err error, host string) *DeviceError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || os.IsTimeout(err) {
		return &DeviceError{
			Type:    ErrTypeTimeout,
			Message: "request timed out",
			Err:     err,
			Host:    host,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &DeviceError{
			Type:           ErrTypeNetwork,
			Message:        "request canceled",
			Err:            err,
			NetworkSubtype: NetworkErrorCanceled,
			Host:           host,
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &DeviceError{
			Type:    ErrTypeDNS,
			Message: fmt.Sprintf("DNS resolution failed for %s", dnsErr.Name),
			Err:     err,
			Host:    host,
		}
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &DeviceError{
			Type:    ErrTypeConnectionRefused,
			Message: "device refused connection",
			Err:     err,
			Host:    host,
		}
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return &DeviceError{
			Type:    ErrTypeConnectionReset,
			Message: "connection reset by device",
			Err:     err,
			Host:    host,
		}
	case errors.Is(err, syscall.EHOSTUNREACH):
		return &DeviceError{
			Type:           ErrTypeNetwork,
			Message:        "host unreachable",
			Err:            err,
			NetworkSubtype: NetworkErrorHostUnreachable,
			Host:           host,
		}
	case errors.Is(err, syscall.ENETUNREACH):
		return &DeviceError{
			Type:           ErrTypeNetwork,
			Message:        "network unreachable",
			Err:            err,
			NetworkSubtype: NetworkErrorNetworkUnreachable,
			Host:           host,
		}
	}

	return &DeviceError{
		Type:           ErrTypeNetwork,
		Message:        "network error occurred",
		Err:            err,
		NetworkSubtype: NetworkErrorGeneral,
		Host:           host,
	}
}

// NewNetworkError creates a network-level error with automatic classification
func NewNetworkError(message string, host string, err error) *DeviceError {
	classified := ClassifyNetworkError(err, host)
	if classified == nil {
		return &DeviceError{Type: ErrTypeNetwork, Message: message, Host: host}
	}
	classified.Message = message
	return classified
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(message string, host string, err error) *DeviceError {
	return &DeviceError{
		Type:    ErrTypeTimeout,
		Message: message,
		Err:     err,
		Host:    host,
	}
}

// NewParseError creates a parsing error carrying the raw decrypted text
func NewParseError(message string, host string, raw string, err error) *DeviceError {
	return &DeviceError{
		Type:     ErrTypeParse,
		Message:  message,
		Err:      err,
		Host:     host,
		Response: raw,
	}
}

// NewProtocolError creates an error for a device-reported failure
func NewProtocolError(message string, host string, errCode int, response any) *DeviceError {
	return &DeviceError{
		Type:     ErrTypeProtocol,
		Message:  message,
		Host:     host,
		ErrCode:  errCode,
		Response: response,
	}
}

// NewDiscoveryError creates an error that ends a discovery run
func NewDiscoveryError(message string, err error) *DeviceError {
	return &DeviceError{
		Type:    ErrTypeDiscovery,
		Message: message,
		Err:     err,
	}
}

func errorType(err error) (ErrorType, bool) {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Type, true
	}
	return 0, false
}

func isType(err error, types ...ErrorType) bool {
	t, ok := errorType(err)
	if !ok {
		return false
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

// IsTimeout checks if an error is a request timeout
func IsTimeout(err error) bool {
	return isType(err, ErrTypeTimeout)
}

// IsConnectionRefused checks if the device refused the connection
func IsConnectionRefused(err error) bool {
	return isType(err, ErrTypeConnectionRefused)
}

// IsConnectionReset checks if the device reset the connection
func IsConnectionReset(err error) bool {
	return isType(err, ErrTypeConnectionReset)
}

// IsNetworkError checks if an error is any transport-level error (including timeout, refused, reset, DNS)
func IsNetworkError(err error) bool {
	return isType(err, ErrTypeNetwork, ErrTypeTimeout, ErrTypeConnectionRefused, ErrTypeConnectionReset, ErrTypeDNS)
}

// IsParseError checks if an error is a parse error
func IsParseError(err error) bool {
	return isType(err, ErrTypeParse)
}

// IsProtocolError checks if the device answered with an error code
func IsProtocolError(err error) bool {
	return isType(err, ErrTypeProtocol)
}

// IsDiscoveryError checks if an error ended a discovery run
func IsDiscoveryError(err error) bool {
	return isType(err, ErrTypeDiscovery)
}

// GetTroubleshootingHint returns user-friendly troubleshooting advice for an error
func GetTroubleshootingHint(err error) string {
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		return "An unexpected error occurred. Please try again."
	}

	switch devErr.Type {
	case ErrTypeTimeout:
		return strings.Join([]string{
			"The device did not respond in time.",
			"Troubleshooting:",
			"  • Check that the device is powered on",
			"  • Verify the device and this computer share a network",
			"  • Try increasing --timeout",
		}, "\n")

	case ErrTypeConnectionRefused:
		return strings.Join([]string{
			"The device refused the connection.",
			"Troubleshooting:",
			"  • Verify the address belongs to a smart plug or bulb",
			"  • Verify the port number (default is 9999)",
			"  • Power-cycle the device",
		}, "\n")

	case ErrTypeConnectionReset:
		return strings.Join([]string{
			"The device closed the connection before answering.",
			"Troubleshooting:",
			"  • The command may not be supported by this model",
			"  • Retry after a few seconds; devices accept one client at a time",
		}, "\n")

	case ErrTypeDNS:
		return "Could not resolve the device hostname. Use its IP address instead."

	case ErrTypeNetwork:
		switch devErr.NetworkSubtype {
		case NetworkErrorHostUnreachable:
			return "The device is not reachable. Check the IP address and try: ping " + devErr.Host
		case NetworkErrorNetworkUnreachable:
			return "This computer cannot reach the device's network. Check your network connection."
		default:
			return "Network communication failed. Check your network connection."
		}

	case ErrTypeParse:
		return "The device answered with data that could not be decoded. The model may use an unsupported protocol variant."

	case ErrTypeProtocol:
		return fmt.Sprintf("The device rejected the command (err_code %d). Check the command and its arguments.", devErr.ErrCode)

	case ErrTypeDiscovery:
		return strings.Join([]string{
			"Discovery could not use its UDP socket.",
			"Troubleshooting:",
			"  • Another process may be bound to the listen port",
			"  • Broadcast may be blocked by a firewall",
		}, "\n")

	default:
		return "An error occurred. Please check the error message for details."
	}
}

// GetShortErrorMessage returns a concise, user-friendly error message
func GetShortErrorMessage(err error) string {
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		return err.Error()
	}

	switch devErr.Type {
	case ErrTypeTimeout:
		return "Device not responding (timeout)"
	case ErrTypeConnectionRefused:
		return "Device refused connection"
	case ErrTypeConnectionReset:
		return "Device reset the connection"
	case ErrTypeDNS:
		return "Cannot resolve device hostname"
	case ErrTypeParse:
		return "Failed to parse device response"
	case ErrTypeProtocol:
		return fmt.Sprintf("Device error (err_code %d)", devErr.ErrCode)
	case ErrTypeDiscovery:
		return "Discovery failed"
	default:
		return devErr.Message
	}
}
