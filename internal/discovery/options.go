package discovery

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/muurk/kasa/internal/device"
)

const (
	// DefaultBroadcastAddress is the limited broadcast address
	DefaultBroadcastAddress = "255.255.255.255"

	// DefaultInterval is the time between discovery broadcasts
	DefaultInterval = 10 * time.Second

	// DefaultOfflineTolerance is the number of unanswered broadcasts after
	// which a device is marked offline
	DefaultOfflineTolerance = 3

	// maxDatagramSize bounds a single discovery response
	maxDatagramSize = 64 * 1024
)

// Options configures one discovery run. Zero values select the defaults
// returned by DefaultOptions, except Timeout where zero means "run until
// stopped".
type Options struct {
	// ListenAddress is the local address to bind ("" = all interfaces)
	ListenAddress string

	// ListenPort is the local UDP port to bind (0 = ephemeral)
	ListenPort int

	// BroadcastAddress receives the discovery request every tick
	BroadcastAddress string

	// DevicePort is the UDP port devices listen on
	DevicePort int

	// Interval is the time between broadcast ticks; the first tick is immediate
	Interval time.Duration

	// Timeout stops the run after this duration (0 = until Stop)
	Timeout time.Duration

	// OfflineTolerance is the number of ticks without a response before a
	// device is marked offline
	OfflineTolerance int

	// Categories restricts registration to these categories (empty = all)
	Categories []device.Category

	// Targets receive the discovery request by unicast in addition to the
	// broadcast. Entries are "host" or "host:port".
	Targets []string

	// HandleOptions are passed through to every constructed handle. Host,
	// Port, Sysinfo and Client are filled in by the engine.
	HandleOptions device.Options
}

// DefaultOptions returns the default discovery configuration
func DefaultOptions() Options {
	return Options{
		BroadcastAddress: DefaultBroadcastAddress,
		DevicePort:       device.DefaultPort,
		Interval:         DefaultInterval,
		OfflineTolerance: DefaultOfflineTolerance,
	}
}

// normalize fills defaults, validates and copies slices so the run owns an
// immutable configuration.
func (o Options) normalize() (Options, error) {
	def := DefaultOptions()
	if o.BroadcastAddress == "" {
		o.BroadcastAddress = def.BroadcastAddress
	}
	if o.DevicePort == 0 {
		o.DevicePort = def.DevicePort
	}
	if o.Interval == 0 {
		o.Interval = def.Interval
	}
	if o.OfflineTolerance == 0 {
		o.OfflineTolerance = def.OfflineTolerance
	}

	if err := o.Validate(); err != nil {
		return Options{}, err
	}

	o.Categories = slices.Clone(o.Categories)
	o.Targets = slices.Clone(o.Targets)
	return o, nil
}

// Validate checks the options for values the engine cannot run with
func (o Options) Validate() error {
	if o.Interval < 0 {
		return fmt.Errorf("discovery interval must not be negative, got %s", o.Interval)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("discovery timeout must not be negative, got %s", o.Timeout)
	}
	if o.OfflineTolerance < 0 {
		return fmt.Errorf("offline tolerance must not be negative, got %d", o.OfflineTolerance)
	}
	if o.ListenPort < 0 || o.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", o.ListenPort)
	}
	if o.DevicePort < 0 || o.DevicePort > 65535 {
		return fmt.Errorf("invalid device port %d", o.DevicePort)
	}
	for _, c := range o.Categories {
		if !slices.Contains(device.Categories, c) {
			return fmt.Errorf("unknown category %d", int(c))
		}
	}
	return nil
}

func (o Options) allows(c device.Category) bool {
	return len(o.Categories) == 0 || slices.Contains(o.Categories, c)
}

func (o Options) listenAddr() string {
	return net.JoinHostPort(o.ListenAddress, strconv.Itoa(o.ListenPort))
}

// destinations resolves the broadcast address and unicast targets.
func (o Options) destinations() ([]*net.UDPAddr, error) {
	hosts := append([]string{o.BroadcastAddress}, o.Targets...)
	out := make([]*net.UDPAddr, 0, len(hosts))
	for _, h := range hosts {
		addr := h
		if _, _, err := net.SplitHostPort(h); err != nil {
			addr = net.JoinHostPort(h, strconv.Itoa(o.DevicePort))
		}
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve discovery target %q: %w", h, err)
		}
		out = append(out, udpAddr)
	}
	return out, nil
}
