package netutil

import (
	"sort"
	"testing"
)

func TestShufflePortsCoversFullRange(t *testing.T) {
	ports := ShufflePorts(9000, 9010)
	if len(ports) != 11 {
		t.Fatalf("got %d ports, want 11", len(ports))
	}
	sorted := append([]int(nil), ports...)
	sort.Ints(sorted)
	for i, p := range sorted {
		if p != 9000+i {
			t.Fatalf("sorted ports = %v, want a contiguous [9000,9010] range", sorted)
		}
	}
}

func TestShufflePortsSingleValue(t *testing.T) {
	ports := ShufflePorts(5000, 5000)
	if len(ports) != 1 || ports[0] != 5000 {
		t.Fatalf("ShufflePorts(5000,5000) = %v, want [5000]", ports)
	}
}

func TestIsLittleEndianIsDeterministic(t *testing.T) {
	if IsLittleEndian() != IsLittleEndian() {
		t.Fatal("IsLittleEndian() returned different results on repeated calls")
	}
}

func TestIPv4ToUint32(t *testing.T) {
	ip := [4]byte{192, 168, 1, 1}
	got := IPv4ToUint32(ip[:])
	want := uint32(192)<<24 | uint32(168)<<16 | uint32(1)<<8 | uint32(1)
	if got != want {
		t.Errorf("IPv4ToUint32(%v) = %d, want %d", ip, got, want)
	}
}

func TestInterfaceIPv4UnknownNameErrors(t *testing.T) {
	if _, err := InterfaceIPv4("no-such-interface-xyz"); err == nil {
		t.Fatal("expected an error for a nonexistent interface name")
	}
}
