//go:build !linux && !windows

package ipc

import "net"

// verifyPeer relies on the socket file mode.
func verifyPeer(net.Conn) (bool, error) {
	return true, nil
}
