package lease

import (
	"net"
	"time"
)

// EventKind names a lease lifecycle transition.
type EventKind string

const (
	EventAllocated EventKind = "allocated"
	EventRenewed   EventKind = "renewed"
	EventReleased  EventKind = "released"
	EventReclaimed EventKind = "reclaimed"
)

// Event describes one lease transition. Seq increases by one per transition
// of a Manager. ExpiresAt is only meaningful for allocated and renewed events.
type Event struct {
	Seq       uint64
	Kind      EventKind
	MAC       net.HardwareAddr
	IP        net.IP
	At        time.Time
	ExpiresAt time.Time
}

// Observer is notified of every lease transition, in Seq order, after the
// Manager has released its lock. Lease operations wait while an observer
// runs, so implementations must not block for long and must not call back
// into the Manager.
type Observer interface {
	LeaseEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) LeaseEvent(evt Event) { f(evt) }

func newEvent(seq uint64, kind EventKind, l *Lease, at time.Time) Event {
	evt := Event{
		Seq:  seq,
		Kind: kind,
		MAC:  append(net.HardwareAddr(nil), l.MAC...),
		IP:   cloneIP(l.IP),
		At:   at,
	}
	if kind == EventAllocated || kind == EventRenewed {
		evt.ExpiresAt = l.ExpiresAt()
	}
	return evt
}
