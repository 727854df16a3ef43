package lease

import (
	"fmt"
	"net"
)

// Pool is the FIFO inventory of addresses that are not leased. Addresses are
// handed out from the front and returned to the back so a released address is
// not immediately given to the next client.
//
// Pool does no locking; Manager serialises every access.
type Pool struct {
	available []net.IP
	size      int
}

// NewPool computes the host addresses of subnet/mask and returns a pool
// holding all of them.
func NewPool(subnet net.IP, mask net.IPMask) (*Pool, error) {
	addrs, err := Generate(subnet, mask)
	if err != nil {
		return nil, err
	}
	return &Pool{available: addrs, size: len(addrs)}, nil
}

// Generate enumerates the host addresses of a /24 network: the last octet
// runs over 1..254 on top of the network prefix, and the network and
// broadcast addresses are skipped. Masks that do not fix the first three
// octets exactly are rejected rather than enumerated incorrectly.
func Generate(subnet net.IP, mask net.IPMask) ([]net.IP, error) {
	s := subnet.To4()
	if s == nil {
		return nil, fmt.Errorf("subnet %v is not an IPv4 address", subnet)
	}
	m := net.IP(mask).To4()
	if m == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMask, mask)
	}
	if m[0] != 0xff || m[1] != 0xff || m[2] != 0xff || m[3] != 0 {
		return nil, fmt.Errorf("%w: %s (only 255.255.255.0 is supported)", ErrUnsupportedMask, m)
	}

	network := make(net.IP, net.IPv4len)
	broadcast := make(net.IP, net.IPv4len)
	for i := 0; i < net.IPv4len; i++ {
		network[i] = s[i] & m[i]
		broadcast[i] = s[i] | ^m[i]
	}

	addrs := make([]net.IP, 0, 254)
	for host := 1; host <= 254; host++ {
		ip := cloneIP(network)
		ip[3] = byte(host)
		if ip.Equal(network) || ip.Equal(broadcast) {
			continue
		}
		addrs = append(addrs, ip)
	}
	return addrs, nil
}

// TakeFront removes and returns the oldest available address.
func (p *Pool) TakeFront() (net.IP, bool) {
	if len(p.available) == 0 {
		return nil, false
	}
	ip := p.available[0]
	p.available[0] = nil
	p.available = p.available[1:]
	return ip, true
}

// ReturnToBack appends ip to the end of the queue. The caller is trusted to
// only return addresses it previously took.
func (p *Pool) ReturnToBack(ip net.IP) {
	p.available = append(p.available, ip)
}

// Len reports how many addresses are currently available.
func (p *Pool) Len() int {
	return len(p.available)
}

// Size is the number of host addresses the pool was generated with.
func (p *Pool) Size() int {
	return p.size
}

// Addresses returns a copy of the available addresses in queue order.
func (p *Pool) Addresses() []net.IP {
	out := make([]net.IP, len(p.available))
	for i, ip := range p.available {
		out[i] = cloneIP(ip)
	}
	return out
}
