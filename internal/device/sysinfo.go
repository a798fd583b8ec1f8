package device

import "fmt"

// Sysinfo is the descriptor snapshot a device reports in answer to
// system.get_sysinfo.
type Sysinfo map[string]any

// ID returns the device identity (deviceId).
func (s Sysinfo) ID() string {
	return s.str("deviceId")
}

// Type returns the declared device type, falling back to mic_type which
// bulbs use instead of type.
func (s Sysinfo) Type() string {
	if t := s.str("type"); t != "" {
		return t
	}
	return s.str("mic_type")
}

// Alias returns the user-assigned device name.
func (s Sysinfo) Alias() string {
	return s.str("alias")
}

// Model returns the hardware model string.
func (s Sysinfo) Model() string {
	return s.str("model")
}

// Clone returns a shallow copy.
func (s Sysinfo) Clone() Sysinfo {
	if s == nil {
		return nil
	}
	out := make(Sysinfo, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s Sysinfo) str(key string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}
