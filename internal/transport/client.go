package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/kasa/internal/codec"
	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/logging"
)

const (
	// DefaultTimeout is the per-request timeout used when a call passes 0
	DefaultTimeout = 10 * time.Second

	// DefaultPort is the TCP port devices accept requests on
	DefaultPort = device.DefaultPort
)

// Client performs one-shot TCP request/response exchanges with devices.
// It holds no per-device state; concurrent calls are independent.
type Client struct {
	// Timeout is used when Send is called with a zero timeout
	Timeout time.Duration

	// Dialer is the underlying dialer
	Dialer *net.Dialer
}

// NewClient creates a new transport client with default settings
func NewClient() *Client {
	return &Client{
		Timeout: DefaultTimeout,
		Dialer:  &net.Dialer{},
	}
}

// SetTimeout sets the default request timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.Timeout = timeout
}

// Send opens a connection to host:port, writes the framed payload once,
// reads until the device closes the stream and parses the reply.
//
// The payload is a JSON command tree (module -> method -> arguments). Every
// module/method answered in the reply is checked for a non-zero err_code.
// For a single-method command the method's reply object is returned;
// otherwise the whole reply is returned.
func (c *Client) Send(ctx context.Context, host string, port int, payload []byte, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = c.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if port == 0 {
		port = DefaultPort
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a := &attempt{
		host:    host,
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		payload: payload,
	}

	raw, err := a.run(ctx, c.dialer())
	if err != nil {
		logging.Warn("Device request failed",
			zap.String("addr", a.addr),
			zap.String("state", a.state.String()),
			zap.Duration("elapsed", a.elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	logging.Debug("Device request complete",
		zap.String("addr", a.addr),
		zap.Duration("elapsed", a.elapsed),
		zap.Int("response_length", len(raw)),
	)

	return ParseResponse(host, payload, raw)
}

// SendCommand marshals a command tree and sends it.
func (c *Client) SendCommand(ctx context.Context, host string, port int, command map[string]any, timeout time.Duration) (map[string]any, error) {
	payload, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	return c.Send(ctx, host, port, payload, timeout)
}

// GetSysinfo queries the device descriptor.
func (c *Client) GetSysinfo(ctx context.Context, host string, port int, timeout time.Duration) (device.Sysinfo, error) {
	resp, err := c.Send(ctx, host, port, []byte(device.SysinfoRequest), timeout)
	if err != nil {
		return nil, err
	}
	return device.Sysinfo(resp), nil
}

func (c *Client) dialer() *net.Dialer {
	if c.Dialer == nil {
		return &net.Dialer{}
	}
	return c.Dialer
}

// attemptState tracks how far a single exchange progressed.
type attemptState int

const (
	stateConnecting attemptState = iota
	stateSending
	stateReceiving
	stateDone
	stateFailed
)

func (s attemptState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateSending:
		return "sending"
	case stateReceiving:
		return "receiving"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("attemptState(%d)", int(s))
	}
}

// attempt is one Connecting -> Sending -> Receiving -> Done run. The
// context deadline covers the whole span.
type attempt struct {
	host    string
	addr    string
	payload []byte

	state   attemptState
	failed  attemptState // state at the time of failure
	started time.Time
	elapsed time.Duration
}

func (a *attempt) run(ctx context.Context, dialer *net.Dialer) ([]byte, error) {
	a.started = time.Now()
	defer func() { a.elapsed = time.Since(a.started) }()

	a.state = stateConnecting
	conn, err := dialer.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return nil, a.fail(ctx, "failed to connect to device", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, a.fail(ctx, "failed to set connection deadline", err)
		}
	}
	// Cancellation of the parent context aborts blocked reads and writes.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	a.state = stateSending
	frame := codec.EncryptWithHeader(a.payload)
	logging.LogRawBytes("TCP request", a.payload)
	if _, err := conn.Write(frame); err != nil {
		return nil, a.fail(ctx, "failed to send request", err)
	}

	a.state = stateReceiving
	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, a.fail(ctx, "failed to read response", err)
	}

	a.state = stateDone
	return data, nil
}

func (a *attempt) fail(ctx context.Context, message string, err error) error {
	a.failed = a.state
	a.state = stateFailed
	if ctx.Err() == context.DeadlineExceeded {
		return NewTimeoutError(fmt.Sprintf("no response within deadline while %s", a.failed), a.host, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return NewNetworkError(message, a.host, ctxErr)
	}
	return NewNetworkError(message, a.host, err)
}

// ParseResponse decrypts a framed TCP reply and validates it against the
// request that produced it.
func ParseResponse(host string, request []byte, wire []byte) (map[string]any, error) {
	plain := codec.DecryptWithHeader(wire)
	logging.LogRawBytes("TCP response", plain)

	var resp map[string]any
	if err := json.Unmarshal(plain, &resp); err != nil {
		return nil, NewParseError(parseFailure(wire), host, string(plain), err)
	}

	var command map[string]any
	if err := json.Unmarshal(request, &command); err != nil || len(command) == 0 {
		// Not a command tree: only the top level can be checked.
		if code, ok := errCode(resp); ok && code != 0 {
			return nil, NewProtocolError("device returned an error", host, code, resp)
		}
		return resp, nil
	}

	return validateResponse(host, command, resp)
}

// parseFailure describes an unparsable reply, naming truncation when the
// header announced more bytes than arrived.
func parseFailure(wire []byte) string {
	want, ok := codec.PayloadLength(wire)
	if !ok {
		return fmt.Sprintf("device response too short (%d bytes)", len(wire))
	}
	if got := len(wire) - codec.HeaderSize; uint32(got) < want {
		return fmt.Sprintf("device response truncated (%d of %d bytes)", got, want)
	}
	return "could not parse device response"
}

// validateResponse walks module -> method of the command into the reply and
// fails on the first reply object that carries a non-zero error code.
// A code at the top level rejects the whole request.
func validateResponse(host string, command, resp map[string]any) (map[string]any, error) {
	if code, ok := errCode(resp); ok && code != 0 {
		return nil, NewProtocolError(deviceMessage("device rejected the request", resp), host, code, resp)
	}

	var last map[string]any

	for _, module := range slices.Sorted(maps.Keys(command)) {
		moduleResp, ok := resp[module].(map[string]any)
		if !ok {
			return nil, NewProtocolError(fmt.Sprintf("response is missing module %q", module), host, 0, resp)
		}
		if code, ok := errCode(moduleResp); ok && code != 0 {
			return nil, NewProtocolError(fmt.Sprintf("device returned an error for %s", module), host, code, moduleResp)
		}

		methods, _ := command[module].(map[string]any)
		if len(methods) == 0 {
			last = moduleResp
			continue
		}

		for _, method := range slices.Sorted(maps.Keys(methods)) {
			methodResp, ok := moduleResp[method].(map[string]any)
			if !ok {
				return nil, NewProtocolError(fmt.Sprintf("response is missing %s.%s", module, method), host, 0, moduleResp)
			}
			if code, ok := errCode(methodResp); ok && code != 0 {
				return nil, NewProtocolError(fmt.Sprintf("device returned an error for %s.%s", module, method), host, code, methodResp)
			}
			last = methodResp
		}
	}

	if len(command) > 1 || countMethods(command) > 1 {
		return resp, nil
	}
	return last, nil
}

// deviceMessage appends the device's err_msg, when present, to message.
func deviceMessage(message string, obj map[string]any) string {
	if msg, ok := obj["err_msg"].(string); ok && msg != "" {
		return message + ": " + msg
	}
	return message
}

// errCode extracts err_code (or error_code) from a reply object.
func errCode(obj map[string]any) (int, bool) {
	for _, key := range []string{"err_code", "error_code"} {
		switch v := obj[key].(type) {
		case float64:
			return int(v), true
		case json.Number:
			n, err := v.Int64()
			if err == nil {
				return int(n), true
			}
		case string:
			n, err := strconv.Atoi(v)
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func countMethods(command map[string]any) int {
	n := 0
	for _, v := range command {
		if methods, ok := v.(map[string]any); ok && len(methods) > 0 {
			n += len(methods)
		} else {
			n++
		}
	}
	return n
}
