//go:build windows
// +build windows

package ipc

import (
	"fmt"
	"net"
)

// DefaultTCPAddr replaces unix socket addresses on Windows.
const DefaultTCPAddr = "127.0.0.1:9750"

// Listen creates the hub listener. Windows doesn't support unix sockets
// reliably, so "unix" falls back to TCP on localhost.
func Listen(network, address string) (net.Listener, error) {
	if network == "unix" {
		network, address = "tcp", DefaultTCPAddr
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	return listener, nil
}

// Dial connects to the hub.
func Dial(network, address string) (net.Conn, error) {
	if network == "unix" {
		network, address = "tcp", DefaultTCPAddr
	}
	return net.DialTimeout(network, address, DialTimeout)
}

// CleanupSocket is a no-op without unix sockets.
func CleanupSocket(path string) error { return nil }
