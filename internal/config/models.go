package config

import (
	"maps"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/muurk/kasa/internal/client"
	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/discovery"
)

// CurrentVersion is the config file format version this build reads.
const CurrentVersion = 1

// Registry represents the entire user configuration file.
// This stores remembered devices and application preferences.
type Registry struct {
	Version     int                `yaml:"version"`
	Devices     map[string]*Device `yaml:"devices,omitempty"` // Keyed by device id
	Preferences *Preferences       `yaml:"preferences,omitempty"`
}

// Device is what the client remembers about one device between runs.
type Device struct {
	Alias    string          `yaml:"alias,omitempty"`     // Device-reported alias at last sighting
	Category device.Category `yaml:"category"`            // Resolved category
	Model    string          `yaml:"model,omitempty"`     // Hardware model
	LastHost string          `yaml:"last_host,omitempty"` // Last known IP address
	LastPort int             `yaml:"last_port,omitempty"` // Last known port (0 = default)
	LastSeen time.Time       `yaml:"last_seen,omitempty"` // Last discovery/connection time
}

// Preferences holds the knobs the core packages consume as plain fields.
type Preferences struct {
	// DefaultTimeout bounds TCP requests that do not set their own
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	BroadcastAddress  string        `yaml:"broadcast_address"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	// DiscoveryTimeout of 0 runs discovery until interrupted; unset leaves
	// the choice to the command
	DiscoveryTimeout *time.Duration `yaml:"discovery_timeout,omitempty"`

	// OfflineTolerance is the number of missed broadcasts before a device
	// is reported offline
	OfflineTolerance int `yaml:"offline_tolerance"`

	// Categories restricts discovery to these categories (empty = all)
	Categories []device.Category `yaml:"categories,omitempty"`

	// Targets receive discovery requests by unicast
	Targets []string `yaml:"targets,omitempty"`

	// IncludeKnownHosts adds every remembered device to Targets
	IncludeKnownHosts bool `yaml:"include_known_hosts"`
}

// DefaultPreferences returns the preferences a fresh config file starts with.
func DefaultPreferences() *Preferences {
	d := discovery.DefaultOptions()
	return &Preferences{
		DefaultTimeout:    client.DefaultOptions().Timeout,
		BroadcastAddress:  d.BroadcastAddress,
		DiscoveryInterval: d.Interval,
		OfflineTolerance:  d.OfflineTolerance,
	}
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:     CurrentVersion,
		Devices:     make(map[string]*Device),
		Preferences: DefaultPreferences(),
	}
}

// DiscoveryOptions converts the preferences into discovery options.
// Zero values are left for the engine to default.
func (p *Preferences) DiscoveryOptions() discovery.Options {
	opts := discovery.DefaultOptions()
	if p == nil {
		return opts
	}
	if p.BroadcastAddress != "" {
		opts.BroadcastAddress = p.BroadcastAddress
	}
	if p.DiscoveryInterval > 0 {
		opts.Interval = p.DiscoveryInterval
	}
	if p.OfflineTolerance > 0 {
		opts.OfflineTolerance = p.OfflineTolerance
	}
	if timeout, ok := p.ConfiguredDiscoveryTimeout(); ok {
		opts.Timeout = timeout
	}
	opts.Categories = append([]device.Category(nil), p.Categories...)
	opts.Targets = append([]string(nil), p.Targets...)
	opts.HandleOptions.Timeout = p.DefaultTimeout
	return opts
}

// ConfiguredDiscoveryTimeout returns the discovery timeout and whether the
// config file sets one. An explicit 0 means run until interrupted.
func (p *Preferences) ConfiguredDiscoveryTimeout() (time.Duration, bool) {
	if p == nil || p.DiscoveryTimeout == nil {
		return 0, false
	}
	return *p.DiscoveryTimeout, true
}

// ClientOptions converts the preferences into client options.
func (p *Preferences) ClientOptions() client.Options {
	opts := client.DefaultOptions()
	if p == nil {
		return opts
	}
	if p.DefaultTimeout > 0 {
		opts.Timeout = p.DefaultTimeout
	}
	opts.Discovery = p.DiscoveryOptions()
	return opts
}

// GetDevice retrieves device metadata by id.
// Returns nil if the device doesn't exist in the registry.
func (r *Registry) GetDevice(id string) *Device {
	return r.Devices[id]
}

// EnsureDevice ensures a device entry exists in the registry.
// Returns the device entry (existing or newly created).
func (r *Registry) EnsureDevice(id string) *Device {
	if r.Devices == nil {
		r.Devices = make(map[string]*Device)
	}

	if dev, exists := r.Devices[id]; exists {
		return dev
	}

	dev := &Device{}
	r.Devices[id] = dev
	return dev
}

// RecordDevice folds a discovery record into the registry.
func (r *Registry) RecordDevice(rec discovery.Record) {
	dev := r.EnsureDevice(rec.ID)
	dev.Alias = rec.Alias()
	dev.Category = rec.Category
	dev.Model = rec.Sysinfo.Model()
	dev.LastHost = rec.Host
	dev.LastPort = rec.Port
	if dev.LastPort == device.DefaultPort {
		dev.LastPort = 0
	}
	dev.LastSeen = rec.LastSeenAt
}

// RecordSysinfo remembers a device reached directly over TCP.
func (r *Registry) RecordSysinfo(info device.Sysinfo, host string, port int, seen time.Time) {
	if info.ID() == "" {
		return
	}
	dev := r.EnsureDevice(info.ID())
	dev.Alias = info.Alias()
	dev.Category = device.CategoryOf(info)
	dev.Model = info.Model()
	dev.LastHost = host
	if port != device.DefaultPort {
		dev.LastPort = port
	}
	dev.LastSeen = seen
}

// KnownHosts returns the last known host of every remembered device as
// discovery targets ("host" or "host:port"), in id order.
func (r *Registry) KnownHosts() []string {
	ids := r.DeviceIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		dev := r.Devices[id]
		if dev.LastHost == "" {
			continue
		}
		out = append(out, dev.Address())
	}
	return out
}

// Address returns the device's last known address for discovery targets.
func (d *Device) Address() string {
	if d.LastPort == 0 {
		return d.LastHost
	}
	return net.JoinHostPort(d.LastHost, strconv.Itoa(d.LastPort))
}

// Port returns the last known port, or the default device port.
func (d *Device) Port() int {
	if d.LastPort == 0 {
		return device.DefaultPort
	}
	return d.LastPort
}

// DeviceIDs returns the remembered device ids, sorted.
func (r *Registry) DeviceIDs() []string {
	return slices.Sorted(maps.Keys(r.Devices))
}

// DiscoveryOptions returns the discovery options for this file, adding the
// remembered devices as unicast targets when IncludeKnownHosts is set.
func (r *Registry) DiscoveryOptions() discovery.Options {
	opts := r.Preferences.DiscoveryOptions()
	if r.Preferences == nil || !r.Preferences.IncludeKnownHosts {
		return opts
	}
	for _, host := range r.KnownHosts() {
		if !slices.Contains(opts.Targets, host) {
			opts.Targets = append(opts.Targets, host)
		}
	}
	return opts
}
