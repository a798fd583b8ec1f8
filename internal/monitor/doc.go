// Package monitor is a live terminal view of discovered devices.
//
// The model subscribes to discovery events, keeps a table of every known
// device with its status, and lets the user toggle plugs from the keyboard.
// Events cross from the discovery goroutine into Bubble Tea through a
// buffered channel; the discovery side never blocks on the UI.
package monitor
