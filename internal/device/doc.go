// Package device resolves device descriptors into categories and typed
// handles.
//
// Every device reports a sysinfo descriptor. Only two of its fields carry
// meaning here: the identity (deviceId) and the declared type (type, or
// mic_type on bulbs). CategoryOf maps the declared type onto the closed set
// {generic, plug, bulb}; New builds a Handle without touching the network.
//
// A Handle keeps a reference to a Sender (normally *transport.Client) and
// uses it for the thin command helpers: SetPowerState for plugs and
// SetLightState for bulbs.
package device
