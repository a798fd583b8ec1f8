// Package ui renders styled terminal output for the kasa CLI.
//
// Components follow a "print once" pattern: a command header, a success or
// error box (with troubleshooting tips from the transport error taxonomy),
// and a device table. The interactive monitor lives in package monitor and
// reuses the palette defined here.
//
// Terminal size and TTY detection come from golang.org/x/term; output
// written to a pipe falls back to MinTerminalWidth.
//
// Logging is controlled by KASA_LOG_LEVEL. When unset, zap is silent so the
// styled output is displayed cleanly.
package ui
