package lease

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"
)

const (
	DefaultLeaseDuration = time.Hour
	DefaultSweepInterval = 60 * time.Second
)

// Config describes the address range and timing the Manager works with.
type Config struct {
	Subnet        net.IP
	Mask          net.IPMask
	LeaseDuration time.Duration
	SweepInterval time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Stats is a point-in-time view of the inventory.
type Stats struct {
	PoolSize  int `json:"pool_size"`
	Available int `json:"available"`
	Active    int `json:"active"`
}

// Manager is the only owner of the Pool and the Table. Every operation runs
// under one mutex so an address is never in the pool and in a lease at the
// same time, and never in two leases. Logging and observers run after that
// lock is released, in the order the lock applied the transitions.
type Manager struct {
	mu            sync.Mutex
	seq           uint64
	pool          *Pool
	table         *Table
	leaseDuration time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	// emitMu is taken before mu is released and held while observers run.
	emitMu    sync.Mutex
	logger    *log.Logger
	observers []Observer

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds the pool for cfg.Subnet/cfg.Mask and an empty lease table.
func NewManager(cfg Config, logger *log.Logger, observers ...Observer) (*Manager, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	pool, err := NewPool(cfg.Subnet, cfg.Mask)
	if err != nil {
		return nil, fmt.Errorf("build address pool: %w", err)
	}

	m := &Manager{
		pool:          pool,
		table:         NewTable(),
		leaseDuration: cfg.LeaseDuration,
		sweepInterval: cfg.SweepInterval,
		now:           cfg.Now,
		logger:        logger,
	}
	for _, o := range observers {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
	logger.Printf("INFO address pool ready: %d addresses in %s/%s", pool.Len(), cfg.Subnet, net.IP(cfg.Mask))
	return m, nil
}

// LeaseDuration is the duration given to every new or renewed lease.
func (m *Manager) LeaseDuration() time.Duration {
	return m.leaseDuration
}

// Allocate returns the address leased to mac, leasing the front of the pool
// if mac holds no valid lease. Repeated calls without expiry return the same
// address. An expired lease is released first. ErrPoolExhausted leaves the
// pool and table untouched.
func (m *Manager) Allocate(mac net.HardwareAddr) (net.IP, error) {
	var events []Event

	m.mu.Lock()
	now := m.now()
	if l, ok := m.table.Get(mac); ok {
		if !l.Expired(now) {
			ip := cloneIP(l.IP)
			m.mu.Unlock()
			return ip, nil
		}
		events = append(events, m.removeLocked(l, EventReclaimed, now))
	}

	ip, ok := m.pool.TakeFront()
	if !ok {
		m.unlockAndPublish(events)
		return nil, ErrPoolExhausted
	}
	l := &Lease{
		MAC:      append(net.HardwareAddr(nil), mac...),
		IP:       ip,
		Start:    now,
		Duration: m.leaseDuration,
	}
	m.table.Put(mac, l)
	events = append(events, m.eventLocked(EventAllocated, l, now))
	m.unlockAndPublish(events)
	return cloneIP(ip), nil
}

// Renew restarts the lease held by mac. It fails with ErrNoActiveLease when
// mac has no lease or the lease already expired.
func (m *Manager) Renew(mac net.HardwareAddr) (net.IP, error) {
	m.mu.Lock()
	now := m.now()
	l, ok := m.table.Get(mac)
	if !ok || l.Expired(now) {
		m.mu.Unlock()
		return nil, ErrNoActiveLease
	}
	l.Start = now
	ip := cloneIP(l.IP)
	m.unlockAndPublish([]Event{m.eventLocked(EventRenewed, l, now)})
	return ip, nil
}

// Release drops the lease held by mac and queues its address at the back of
// the pool. Releasing an unknown address is a no-op.
func (m *Manager) Release(mac net.HardwareAddr) bool {
	m.mu.Lock()
	l, ok := m.table.Get(mac)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.unlockAndPublish([]Event{m.removeLocked(l, EventReleased, m.now())})
	return true
}

// ReclaimExpired returns the address of every expired lease to the pool and
// reports how many leases were removed.
func (m *Manager) ReclaimExpired() int {
	var events []Event

	m.mu.Lock()
	now := m.now()
	for _, l := range m.table.All() {
		if l.Expired(now) {
			events = append(events, m.removeLocked(l, EventReclaimed, now))
		}
	}
	m.unlockAndPublish(events)
	return len(events)
}

func (m *Manager) removeLocked(l *Lease, kind EventKind, now time.Time) Event {
	m.table.Remove(l.MAC)
	m.pool.ReturnToBack(l.IP)
	return m.eventLocked(kind, l, now)
}

func (m *Manager) eventLocked(kind EventKind, l *Lease, now time.Time) Event {
	m.seq++
	return newEvent(m.seq, kind, l, now)
}

// unlockAndPublish releases mu and hands events to the logger and observers.
// emitMu is acquired before mu is dropped, so a later operation cannot
// notify ahead of an earlier one.
func (m *Manager) unlockAndPublish(events []Event) {
	if len(events) == 0 {
		m.mu.Unlock()
		return
	}
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	m.publish(events)
}

// Stats reports pool and table sizes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		PoolSize:  m.pool.Size(),
		Available: m.pool.Len(),
		Active:    m.table.Len(),
	}
}

// Leases returns a copy of every lease ordered by address.
func (m *Manager) Leases() []Lease {
	m.mu.Lock()
	all := m.table.All()
	out := make([]Lease, 0, len(all))
	for _, l := range all {
		out = append(out, l.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return compareIP(out[i].IP, out[j].IP) < 0
	})
	return out
}

// Available returns the free addresses in the order they will be handed out.
func (m *Manager) Available() []net.IP {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Addresses()
}

// Start launches the periodic reclamation sweep. It runs until ctx is
// cancelled or Stop is called, after which Start may be called again.
func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("nil lease manager")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("reclamation already running")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		m.sweep(sweepCtx)

		// The parent context may have ended without Stop; forget this run so
		// Start works again.
		m.runMu.Lock()
		if m.done == done {
			m.cancel, m.done = nil, nil
		}
		m.runMu.Unlock()
		cancel()
	}()
	return nil
}

// Stop signals the reclamation sweep to exit and waits for it.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) sweep(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.logger.Printf("INFO lease reclamation every %s", m.sweepInterval)
	for {
		select {
		case <-ticker.C:
			if n := m.ReclaimExpired(); n > 0 {
				m.logger.Printf("INFO reclaimed %d expired leases", n)
			}
		case <-ctx.Done():
			m.logger.Printf("INFO stopping lease reclamation")
			return
		}
	}
}

func (m *Manager) publish(events []Event) {
	for _, evt := range events {
		switch evt.Kind {
		case EventAllocated:
			m.logger.Printf("INFO allocated %s to %s until %s", evt.IP, evt.MAC, evt.ExpiresAt.Format(time.RFC3339))
		case EventRenewed:
			m.logger.Printf("INFO renewed %s for %s until %s", evt.IP, evt.MAC, evt.ExpiresAt.Format(time.RFC3339))
		case EventReleased:
			m.logger.Printf("INFO released %s from %s", evt.IP, evt.MAC)
		case EventReclaimed:
			m.logger.Printf("INFO reclaimed expired lease %s from %s", evt.IP, evt.MAC)
		}
		for _, o := range m.observers {
			o.LeaseEvent(evt)
		}
	}
}
