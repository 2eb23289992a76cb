// Package netutil provides the small platform/address helpers the
// bootstrap phase needs: named-interface IPv4 discovery, a Fisher–Yates
// shuffled port order for the bind-retry scan, and host endianness
// detection for the handshake's endianness byte (spec §4.1).
package netutil

import (
	"fmt"
	"math/rand"
	"net"
	"unsafe"
)

// InterfaceIPv4 returns the first IPv4 address bound to the named network
// interface (e.g. "eth0"). An empty name falls back to "the first non
// loopback interface with an IPv4 address", matching how the teacher's
// cmd/service/main.go defaults rather than requiring every flag.
func InterfaceIPv4(name string) (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netutil: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if name != "" && iface.Name != name {
			continue
		}
		if name == "" && iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("netutil: no IPv4 address found on interface %q", name)
}

// ShufflePorts returns [min, max] inclusive in Fisher–Yates shuffled order,
// the bind-retry scan spec §4.1 requires ("The order is a Fisher–Yates
// shuffle of the port list, retrying on address in use").
func ShufflePorts(min, max int) []int {
	n := max - min + 1
	ports := make([]int, n)
	for i := range ports {
		ports[i] = min + i
	}
	for i := n - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		ports[i], ports[j] = ports[j], ports[i]
	}
	return ports
}

// IsLittleEndian reports this process's native byte order, used to fill
// the handshake's endianness byte (spec §4.1, §6.1).
func IsLittleEndian() bool {
	var probe int32 = 0x01020304
	p := (*[4]byte)(unsafe.Pointer(&probe))
	return p[0] == 0x04
}

// IPv4ToUint32 packs a 4-byte IPv4 address into a uint32 in the natural
// (big-endian octet) order used by ip<<32|port client-id derivation (spec
// §4.1).
func IPv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
