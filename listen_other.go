//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package echo

import "syscall"

func listenControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}

func isResourceExhausted(error) bool {
	return false
}
