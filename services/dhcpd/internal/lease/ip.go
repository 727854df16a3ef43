package lease

import (
	"bytes"
	"net"
)

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	dup := make(net.IP, len(ip))
	copy(dup, ip)
	return dup
}

// compareIP orders IPv4 addresses numerically; nil sorts first.
func compareIP(a, b net.IP) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	aa := a.To4()
	bb := b.To4()
	if aa == nil || bb == nil {
		return bytes.Compare(a, b)
	}
	return bytes.Compare(aa, bb)
}
