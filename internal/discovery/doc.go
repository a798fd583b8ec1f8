// Package discovery finds devices on the local network by UDP broadcast and
// tracks their lifecycle.
//
// # Discovery Process
//
// An Engine binds one UDP socket per run and, every Interval (the first time
// immediately), performs a tick:
//  1. Sweeps the registry: a device that has not answered for
//     OfflineTolerance ticks is marked offline (once per transition)
//  2. Sends the obfuscated {"system":{"get_sysinfo":{}}} request to the
//     broadcast address and to every unicast target
//  3. Advances the discovery sequence (uint32, wrapping)
//
// Devices answer with their sysinfo descriptor. Unknown identities are
// registered and reported as new; known ones are refreshed and reported as
// online, including devices coming back from offline. Records are never
// removed.
//
// # Usage Example
//
//	engine := discovery.NewEngine(transport.NewClient())
//	engine.On(discovery.EventPlugNew, func(ev discovery.Event) {
//	    fmt.Printf("Found plug %s at %s\n", ev.Record.Alias(), ev.Record.Host)
//	})
//
//	opts := discovery.DefaultOptions()
//	opts.Timeout = 5 * time.Second
//	if err := engine.Start(ctx, opts); err != nil {
//	    log.Fatal(err)
//	}
//	<-engine.Done()
//
// # Events
//
// Every transition is published under its generic name (device-new,
// device-online, device-offline) and, for plugs and bulbs, again under the
// category name (plug-new, bulb-offline, ...). Socket failures end the run
// and are published as "error".
//
// # Thread Safety
//
// Only one run may be active per Engine; Start returns ErrAlreadyRunning
// otherwise. Registry reads (Devices, Device) are safe from any goroutine.
// Event handlers run on the discovery goroutine and must not block.
package discovery
