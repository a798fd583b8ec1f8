// Package eventstream publishes device lifecycle events over WebSocket.
//
// A Server subscribes to a discovery Source and serves GET /events. Each
// connected client first receives one "snapshot" message per known device,
// then a message per lifecycle event:
//
//	{"type":"event","event":"plug-offline","device":{...},"timestamp":"..."}
//	{"type":"error","event":"error","error":"discovery socket read failed","timestamp":"..."}
//
// Clients that fall behind lose messages rather than stalling discovery.
package eventstream
