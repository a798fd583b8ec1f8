package discovery

import (
	"fmt"
	"time"

	"github.com/muurk/kasa/internal/device"
)

// Status is the lifecycle state of a registered device.
type Status int

const (
	// StatusNew is held only while a first response is being registered.
	StatusNew Status = iota
	StatusOnline
	StatusOffline
)

// String returns the lowercase status name
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "new":
		*s = StatusNew
	case "online":
		*s = StatusOnline
	case "offline":
		*s = StatusOffline
	default:
		return fmt.Errorf("unknown device status %q", text)
	}
	return nil
}

// Record is a point-in-time copy of a registry entry.
type Record struct {
	// ID is the device-reported identity (deviceId)
	ID string `json:"id"`

	// Host is the IP address the last discovery response came from
	Host string `json:"host"`

	// Port is the source port of the last discovery response
	Port int `json:"port"`

	Category device.Category `json:"category"`
	Status   Status          `json:"status"`

	// Sysinfo is the descriptor from the last discovery response
	Sysinfo device.Sysinfo `json:"sysinfo"`

	// LastSeen is the discovery sequence the last response answered
	LastSeen uint32 `json:"last_seen_sequence"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// Handle is the live device handle; it is shared, not copied
	Handle *device.Handle `json:"-"`
}

// String returns a human-readable string representation of the record
func (r Record) String() string {
	return fmt.Sprintf("%s %q (%s) at %s:%d [%s]", r.Category, r.Alias(), r.ID, r.Host, r.Port, r.Status)
}

// Alias returns the device alias from the snapshot
func (r Record) Alias() string {
	return r.Sysinfo.Alias()
}

// Addr returns host:port of the device
func (r Record) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
