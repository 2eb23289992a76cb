//go:build !unix

package netutil

import "net"

// ListenConfig is a no-op default on non-unix platforms; the port-range
// scan still works, it just can't reuse a just-released port instantly.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
