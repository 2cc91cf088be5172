// ABOUTME: Windows socket options applied to the TCP listener before bind
// ABOUTME: SO_REUSEADDR lets a restarted server rebind immediately
//go:build windows

package server

import (
	"syscall"
)

// setSocketOptions sets platform-specific socket options
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
