package lease

import (
	"net"
	"sort"
	"time"
)

// Lease binds one hardware address to one IPv4 address for Duration,
// counted from Start.
type Lease struct {
	MAC      net.HardwareAddr
	IP       net.IP
	Start    time.Time
	Duration time.Duration
}

// Expired reports whether more than Duration has elapsed since Start.
func (l *Lease) Expired(now time.Time) bool {
	return now.Sub(l.Start) > l.Duration
}

// ExpiresAt is the last instant at which the lease is still valid.
func (l *Lease) ExpiresAt() time.Time {
	return l.Start.Add(l.Duration)
}

func (l *Lease) clone() Lease {
	return Lease{
		MAC:      append(net.HardwareAddr(nil), l.MAC...),
		IP:       cloneIP(l.IP),
		Start:    l.Start,
		Duration: l.Duration,
	}
}

// Table maps hardware addresses to their lease. It is a plain data
// structure; Manager owns the lock.
type Table struct {
	leases map[string]*Lease
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{leases: make(map[string]*Lease)}
}

// Get returns the lease held by mac, if any.
func (t *Table) Get(mac net.HardwareAddr) (*Lease, bool) {
	l, ok := t.leases[mac.String()]
	return l, ok
}

// Put stores l under mac, replacing any previous lease for that address.
func (t *Table) Put(mac net.HardwareAddr, l *Lease) {
	t.leases[mac.String()] = l
}

// Remove deletes the lease held by mac.
func (t *Table) Remove(mac net.HardwareAddr) {
	delete(t.leases, mac.String())
}

// Len reports the number of leases in the table.
func (t *Table) Len() int {
	return len(t.leases)
}

// All returns every lease ordered by hardware address.
func (t *Table) All() []*Lease {
	keys := make([]string, 0, len(t.leases))
	for k := range t.leases {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*Lease, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.leases[k])
	}
	return out
}
