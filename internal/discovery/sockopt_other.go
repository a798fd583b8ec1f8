//go:build !unix

package discovery

import "syscall"

// The runtime already enables SO_BROADCAST on datagram sockets here.
func setBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
