package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultPort is the TCP and UDP port devices listen on.
const DefaultPort = 9999

// ErrWrongCategory is returned by category-specific helpers called on a
// handle of another category.
var ErrWrongCategory = errors.New("command not supported by device category")

// Sender performs one request/response exchange with a device.
// *transport.Client implements it.
type Sender interface {
	Send(ctx context.Context, host string, port int, payload []byte, timeout time.Duration) (map[string]any, error)
}

// Options carries what a Handle needs to address a device.
type Options struct {
	Host    string
	Port    int           // 0 means DefaultPort
	Timeout time.Duration // per-request timeout; 0 lets the Sender decide
	Sysinfo Sysinfo       // optional snapshot
	Client  Sender
}

// Handle is a typed reference to one device. Address and snapshot may be
// refreshed by discovery while callers use the handle.
type Handle struct {
	category Category
	client   Sender
	timeout  time.Duration

	mu      sync.RWMutex
	host    string
	port    int
	sysinfo Sysinfo
}

// New builds a handle for the given category. It performs no I/O.
func New(category Category, opts Options) *Handle {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	return &Handle{
		category: category,
		client:   opts.Client,
		timeout:  opts.Timeout,
		host:     opts.Host,
		port:     port,
		sysinfo:  opts.Sysinfo.Clone(),
	}
}

// FromSysinfo resolves the category from the snapshot and builds a handle.
func FromSysinfo(info Sysinfo, opts Options) *Handle {
	opts.Sysinfo = info
	return New(CategoryOf(info), opts)
}

// Category returns the resolved device category.
func (h *Handle) Category() Category { return h.category }

// ID returns the device identity from the latest snapshot.
func (h *Handle) ID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sysinfo.ID()
}

// Alias returns the device alias from the latest snapshot.
func (h *Handle) Alias() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sysinfo.Alias()
}

// Host returns the device host.
func (h *Handle) Host() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.host
}

// Port returns the device port.
func (h *Handle) Port() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.port
}

// Sysinfo returns a copy of the latest snapshot.
func (h *Handle) Sysinfo() Sysinfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sysinfo.Clone()
}

// Update replaces the address and snapshot.
func (h *Handle) Update(host string, port int, info Sysinfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.host = host
	if port != 0 {
		h.port = port
	}
	if info != nil {
		h.sysinfo = info.Clone()
	}
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s %q (%s) at %s:%d", h.category, h.Alias(), h.ID(), h.Host(), h.Port())
}

// Send sends a raw JSON payload to the device.
func (h *Handle) Send(ctx context.Context, payload []byte) (map[string]any, error) {
	if h.client == nil {
		return nil, errors.New("device handle has no client")
	}
	return h.client.Send(ctx, h.Host(), h.Port(), payload, h.timeout)
}

// SendCommand marshals a module/method command tree and sends it.
func (h *Handle) SendCommand(ctx context.Context, command map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	return h.Send(ctx, payload)
}

// GetSysinfo fetches a fresh descriptor and stores it as the snapshot.
func (h *Handle) GetSysinfo(ctx context.Context) (Sysinfo, error) {
	resp, err := h.Send(ctx, []byte(SysinfoRequest))
	if err != nil {
		return nil, err
	}
	info := Sysinfo(resp)
	h.mu.Lock()
	h.sysinfo = info.Clone()
	h.mu.Unlock()
	return info, nil
}

// SetPowerState switches a plug relay on or off.
func (h *Handle) SetPowerState(ctx context.Context, on bool) error {
	if h.category != CategoryPlug {
		return fmt.Errorf("set_relay_state on %s: %w", h.category, ErrWrongCategory)
	}
	state := 0
	if on {
		state = 1
	}
	_, err := h.SendCommand(ctx, map[string]any{
		"system": map[string]any{
			"set_relay_state": map[string]any{"state": state},
		},
	})
	return err
}

// LightState is the subset of bulb lighting parameters the client sets.
// Nil fields are left unchanged on the device.
type LightState struct {
	On             *bool
	Brightness     *int
	Hue            *int
	Saturation     *int
	ColorTemp      *int
	TransitionTime *int
}

func (s LightState) params() map[string]any {
	out := map[string]any{}
	if s.On != nil {
		v := 0
		if *s.On {
			v = 1
		}
		out["on_off"] = v
	}
	if s.Brightness != nil {
		out["brightness"] = *s.Brightness
	}
	if s.Hue != nil {
		out["hue"] = *s.Hue
	}
	if s.Saturation != nil {
		out["saturation"] = *s.Saturation
	}
	if s.ColorTemp != nil {
		out["color_temp"] = *s.ColorTemp
	}
	if s.TransitionTime != nil {
		out["transition_period"] = *s.TransitionTime
	}
	return out
}

// LightingService is the bulb module carrying light state commands.
const LightingService = "smartlife.iot.smartbulb.lightingservice"

// SetLightState applies a light state to a bulb and returns the state the
// bulb reports back.
func (h *Handle) SetLightState(ctx context.Context, state LightState) (map[string]any, error) {
	if h.category != CategoryBulb {
		return nil, fmt.Errorf("transition_light_state on %s: %w", h.category, ErrWrongCategory)
	}
	return h.SendCommand(ctx, map[string]any{
		LightingService: map[string]any{
			"transition_light_state": state.params(),
		},
	})
}

// SysinfoRequest is the fixed descriptor query used by discovery and by
// GetSysinfo.
const SysinfoRequest = `{"system":{"get_sysinfo":{}}}`
