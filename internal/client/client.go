package client

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/discovery"
	"github.com/muurk/kasa/internal/logging"
	"github.com/muurk/kasa/internal/transport"
)

// ErrMissingHost is returned when a handle is requested without a host.
var ErrMissingHost = errors.New("device host is required")

// Options configures a Client.
type Options struct {
	// Timeout applies to requests that do not carry their own
	Timeout time.Duration

	// Discovery fills the fields StartDiscovery callers leave zero
	Discovery discovery.Options
}

// DefaultOptions returns the default client configuration
func DefaultOptions() Options {
	return Options{
		Timeout:   transport.DefaultTimeout,
		Discovery: discovery.DefaultOptions(),
	}
}

// Client talks to devices directly over TCP and finds them over UDP.
type Client struct {
	opts      Options
	transport *transport.Client
	engine    *discovery.Engine
}

// New creates a client. A zero Timeout selects the transport default.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = transport.DefaultTimeout
	}
	tc := transport.NewClient()
	tc.SetTimeout(opts.Timeout)
	return &Client{
		opts:      opts,
		transport: tc,
		engine:    discovery.NewEngine(tc),
	}
}

// Options returns the client configuration
func (c *Client) Options() Options { return c.opts }

// Engine returns the discovery engine
func (c *Client) Engine() *discovery.Engine { return c.engine }

// Send performs one framed request/response exchange. A zero timeout uses
// the client default.
func (c *Client) Send(ctx context.Context, host string, port int, payload []byte, timeout time.Duration) (map[string]any, error) {
	return c.transport.Send(ctx, host, c.port(port), payload, timeout)
}

// GetSysinfo queries a device for its descriptor.
func (c *Client) GetSysinfo(ctx context.Context, host string, port int, timeout time.Duration) (device.Sysinfo, error) {
	return c.transport.GetSysinfo(ctx, host, c.port(port), timeout)
}

// GetHandle queries the device at opts.Host and builds a handle for the
// category it reports. The handle carries the fetched snapshot.
func (c *Client) GetHandle(ctx context.Context, opts device.Options) (*device.Handle, error) {
	if opts.Host == "" {
		return nil, ErrMissingHost
	}
	info, err := c.GetSysinfo(ctx, opts.Host, opts.Port, opts.Timeout)
	if err != nil {
		return nil, err
	}

	h := c.GetHandleFromSysinfo(info, opts)
	logging.Debug("Resolved device handle",
		zap.String("host", opts.Host),
		zap.String("device_id", h.ID()),
		zap.Stringer("category", h.Category()),
	)
	return h, nil
}

// GetHandleFromSysinfo builds a handle from a snapshot without any I/O.
func (c *Client) GetHandleFromSysinfo(info device.Sysinfo, opts device.Options) *device.Handle {
	return device.FromSysinfo(info, c.handleOptions(opts))
}

// NewHandle builds a handle for a category name ("plug", "bulb", "device",
// or a declared type such as "IOT.SMARTBULB") without any I/O. Unknown names
// build a plug handle.
func (c *Client) NewHandle(category string, opts device.Options) *device.Handle {
	return device.New(device.CategoryFromName(category), c.handleOptions(opts))
}

func (c *Client) handleOptions(opts device.Options) device.Options {
	if opts.Client == nil {
		opts.Client = c.transport
	}
	if opts.Timeout == 0 {
		opts.Timeout = c.opts.Timeout
	}
	return opts
}

// StartDiscovery starts a discovery run. Each zero-valued field of opts
// falls back to the client's Discovery options, so a caller may override a
// single knob; handles built during the run inherit the client timeout.
func (c *Client) StartDiscovery(ctx context.Context, opts discovery.Options) error {
	opts = mergeDiscovery(opts, c.opts.Discovery)
	if opts.HandleOptions.Timeout == 0 {
		opts.HandleOptions.Timeout = c.opts.Timeout
	}
	return c.engine.Start(ctx, opts)
}

// StopDiscovery ends the current run. It is safe to call at any time.
func (c *Client) StopDiscovery() {
	c.engine.Stop()
}

// DiscoveryDone is closed when the current run has fully exited.
func (c *Client) DiscoveryDone() <-chan struct{} {
	return c.engine.Done()
}

// On subscribes to a lifecycle event by name ("device-new", "plug-offline",
// "error", ...). The returned function unsubscribes.
func (c *Client) On(name string, handler discovery.Handler) func() {
	return c.engine.On(name, handler)
}

// Devices returns copies of all devices discovered so far.
func (c *Client) Devices() []discovery.Record {
	return c.engine.Devices()
}

// Device returns a copy of one discovered device.
func (c *Client) Device(id string) (discovery.Record, bool) {
	return c.engine.Device(id)
}

func (c *Client) port(port int) int {
	if port == 0 {
		return device.DefaultPort
	}
	return port
}

// mergeDiscovery fills the zero fields of opts from base.
func mergeDiscovery(opts, base discovery.Options) discovery.Options {
	if opts.ListenAddress == "" {
		opts.ListenAddress = base.ListenAddress
	}
	if opts.ListenPort == 0 {
		opts.ListenPort = base.ListenPort
	}
	if opts.BroadcastAddress == "" {
		opts.BroadcastAddress = base.BroadcastAddress
	}
	if opts.DevicePort == 0 {
		opts.DevicePort = base.DevicePort
	}
	if opts.Interval == 0 {
		opts.Interval = base.Interval
	}
	if opts.Timeout == 0 {
		opts.Timeout = base.Timeout
	}
	if opts.OfflineTolerance == 0 {
		opts.OfflineTolerance = base.OfflineTolerance
	}
	if len(opts.Categories) == 0 {
		opts.Categories = slices.Clone(base.Categories)
	}
	if len(opts.Targets) == 0 {
		opts.Targets = slices.Clone(base.Targets)
	}
	if opts.HandleOptions.Timeout == 0 {
		opts.HandleOptions.Timeout = base.HandleOptions.Timeout
	}
	return opts
}
