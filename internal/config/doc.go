// Package config provides user configuration management for kasa.
//
// This package manages a YAML-based configuration file that remembers
// devices seen on the network and holds the discovery and request
// preferences. The configuration follows OS-specific conventions for storage
// location.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/kasa/config.yaml or $HOME/.config/kasa/config.yaml
//   - macOS: $HOME/.config/kasa/config.yaml
//   - Windows: %LOCALAPPDATA%\kasa\config.yaml
//
// # Example File
//
//	version: 1
//	devices:
//	  8006F0A1B2C3:
//	    alias: Kettle
//	    category: plug
//	    last_host: 192.168.1.20
//	preferences:
//	  default_timeout: 10s
//	  broadcast_address: 255.255.255.255
//	  discovery_interval: 10s
//	  discovery_timeout: 0s
//	  offline_tolerance: 3
//	  categories: [plug, bulb]
//
// # Usage Example
//
//	registry, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	c := client.New(registry.Preferences.ClientOptions())
//	c.On(discovery.EventDeviceNew, func(ev discovery.Event) {
//	    registry.RecordDevice(ev.Record)
//	})
//
//	// Save changes atomically
//	if err := registry.Save(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// The global registry uses sync.Once for safe initialization across goroutines.
// File writes are protected by a mutex. A Registry value itself is not
// synchronized.
package config
