//go:build !windows
// +build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
)

// Listen creates the hub listener. A unix socket path left behind by a
// previous run is removed first.
func Listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		return net.Listen(network, address)
	}

	if err := CleanupSocket(address); err != nil {
		return nil, fmt.Errorf("cleanup socket: %w", err)
	}

	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}

	// Set socket permissions
	if err := os.Chmod(address, 0666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return listener, nil
}

// Dial connects to the hub.
func Dial(network, address string) (net.Conn, error) {
	return net.DialTimeout(network, address, DialTimeout)
}

// CleanupSocket removes the socket file if it exists
func CleanupSocket(path string) error {
	if _, err := os.Stat(path); err == nil {
		return os.Remove(path)
	}
	return nil
}
