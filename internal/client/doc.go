// Package client is the entry point for programs that talk to devices.
//
// A Client bundles the TCP request engine, the category resolver and the
// discovery engine behind one value, so collaborators (the CLI, the event
// stream, the terminal monitor) never wire the pieces together themselves.
//
//	c := client.New(client.DefaultOptions())
//	h, err := c.GetHandle(ctx, device.Options{Host: "192.168.1.20"})
//	if err != nil {
//	    return err
//	}
//	if err := h.SetPowerState(ctx, true); err != nil {
//	    return err
//	}
package client
