package lease

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testMAC(i int) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, byte(i >> 8), byte(i)}
}

func newTestManager(t *testing.T, clock *fakeClock, observers ...Observer) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Subnet:        net.ParseIP("192.168.1.0"),
		Mask:          net.IPv4Mask(255, 255, 255, 0),
		LeaseDuration: time.Hour,
		SweepInterval: time.Minute,
		Now:           clock.Now,
	}, log.New(io.Discard, "", 0), observers...)
	require.NoError(t, err)
	return m
}

// requireInventoryInvariant checks that every host address is either free or
// leased exactly once.
func requireInventoryInvariant(t *testing.T, m *Manager) {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()

	owners := make(map[string]string)
	for _, ip := range m.pool.available {
		key := ip.String()
		_, dup := owners[key]
		require.False(t, dup, "address %s queued twice", key)
		owners[key] = "pool"
	}
	for _, l := range m.table.leases {
		key := l.IP.String()
		prev, dup := owners[key]
		require.False(t, dup, "address %s held by %s and lease %s", key, prev, l.MAC)
		owners[key] = l.MAC.String()
	}
	require.Len(t, owners, m.pool.Size())
	for host := 1; host <= 254; host++ {
		_, ok := owners[fmt.Sprintf("192.168.1.%d", host)]
		require.True(t, ok, "address 192.168.1.%d leaked", host)
	}
}

func TestAllocateFirstAddress(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	ip, err := m.Allocate(mac)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", ip.String())
	requireInventoryInvariant(t, m)
}

func TestAllocateIsIdempotent(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	first, err := m.Allocate(testMAC(1))
	require.NoError(t, err)
	second, err := m.Allocate(testMAC(1))
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, Stats{PoolSize: 254, Available: 253, Active: 1}, m.Stats())
}

func TestAllocateExhaustsPool(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	for i := 0; i < 254; i++ {
		_, err := m.Allocate(testMAC(i))
		require.NoError(t, err)
	}
	before := m.Leases()

	ip, err := m.Allocate(testMAC(254))
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Nil(t, ip)

	assert.Equal(t, Stats{PoolSize: 254, Available: 0, Active: 254}, m.Stats())
	assert.Equal(t, before, m.Leases())
	requireInventoryInvariant(t, m)
}

func TestAllocateReplacesExpiredLease(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	first, err := m.Allocate(testMAC(1))
	require.NoError(t, err)
	require.Equal(t, "192.168.1.1", first.String())

	clock.Advance(time.Hour + time.Second)

	second, err := m.Allocate(testMAC(1))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.2", second.String())

	available := m.Available()
	assert.Equal(t, "192.168.1.1", available[len(available)-1].String())
	requireInventoryInvariant(t, m)
}

func TestLeaseAtExactDeadlineIsStillValid(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	_, err := m.Allocate(testMAC(1))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = m.Renew(testMAC(1))
	assert.NoError(t, err)
}

func TestRenewResetsExpiry(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	ip, err := m.Allocate(testMAC(1))
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	renewed, err := m.Renew(testMAC(1))
	require.NoError(t, err)
	assert.True(t, ip.Equal(renewed))

	// Past the original deadline but inside the renewed one.
	clock.Advance(30 * time.Minute)
	assert.Equal(t, 0, m.ReclaimExpired())
	assert.Equal(t, 1, m.Stats().Active)

	leases := m.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, clock.Now().Add(-30*time.Minute).Add(time.Hour), leases[0].ExpiresAt())

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, m.ReclaimExpired())
}

func TestRenewWithoutLease(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	_, err := m.Renew(testMAC(1))
	assert.ErrorIs(t, err, ErrNoActiveLease)

	_, err = m.Allocate(testMAC(2))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, err = m.Renew(testMAC(2))
	assert.ErrorIs(t, err, ErrNoActiveLease)
	requireInventoryInvariant(t, m)
}

func TestReclaimExpired(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	ip, err := m.Allocate(testMAC(1))
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = m.Allocate(testMAC(2))
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, m.ReclaimExpired())

	assert.Len(t, m.Leases(), 1)
	available := m.Available()
	assert.True(t, ip.Equal(available[len(available)-1]))
	requireInventoryInvariant(t, m)
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	_, err := m.Allocate(testMAC(1))
	require.NoError(t, err)
	before := m.Stats()

	assert.False(t, m.Release(testMAC(99)))
	assert.Equal(t, before, m.Stats())
}

func TestReleaseReturnsAddressToBack(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	ip, err := m.Allocate(testMAC(1))
	require.NoError(t, err)

	assert.True(t, m.Release(testMAC(1)))
	available := m.Available()
	require.Len(t, available, 254)
	assert.True(t, ip.Equal(available[253]))

	next, err := m.Allocate(testMAC(1))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.2", next.String())
	requireInventoryInvariant(t, m)
}

func TestObserversSeeTransitions(t *testing.T) {
	clock := newFakeClock()
	var (
		mu    sync.Mutex
		kinds []EventKind
		seqs  []uint64
	)
	m := newTestManager(t, clock, ObserverFunc(func(evt Event) {
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		seqs = append(seqs, evt.Seq)
		mu.Unlock()
	}))

	_, err := m.Allocate(testMAC(1))
	require.NoError(t, err)
	_, err = m.Renew(testMAC(1))
	require.NoError(t, err)
	m.Release(testMAC(1))
	_, err = m.Allocate(testMAC(2))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	m.ReclaimExpired()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventAllocated, EventRenewed, EventReleased, EventAllocated, EventReclaimed}, kinds)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
}

func TestObserversFollowLockOrder(t *testing.T) {
	clock := newFakeClock()
	var (
		mu     sync.Mutex
		kinds  []EventKind
		seqs   []uint64
		parked = make(chan struct{})
		resume = make(chan struct{})
	)
	m := newTestManager(t, clock, ObserverFunc(func(evt Event) {
		// Hold the allocating goroutine between its unlock and its record.
		if evt.Kind == EventAllocated {
			close(parked)
			<-resume
		}
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		seqs = append(seqs, evt.Seq)
		mu.Unlock()
	}))

	allocated := make(chan error, 1)
	go func() {
		_, err := m.Allocate(testMAC(1))
		allocated <- err
	}()
	<-parked

	released := make(chan bool, 1)
	go func() { released <- m.Release(testMAC(1)) }()

	select {
	case <-released:
		t.Fatal("Release notified observers while an earlier event was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}
	close(resume)

	require.NoError(t, <-allocated)
	assert.True(t, <-released)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventAllocated, EventReleased}, kinds)
	assert.Equal(t, []uint64{1, 2}, seqs)
	requireInventoryInvariant(t, m)
}

func TestConcurrentOperationsKeepInvariant(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				mac := testMAC(worker*1000 + i%40)
				switch i % 4 {
				case 0, 1:
					_, _ = m.Allocate(mac)
				case 2:
					if _, err := m.Renew(mac); err != nil {
						_, _ = m.Allocate(mac)
					}
				case 3:
					m.Release(mac)
				}
				if i%50 == 0 {
					clock.Advance(10 * time.Minute)
					m.ReclaimExpired()
				}
			}
		}(worker)
	}
	wg.Wait()

	requireInventoryInvariant(t, m)
}

func TestStartReclaimsInBackground(t *testing.T) {
	clock := newFakeClock()
	m, err := NewManager(Config{
		Subnet:        net.ParseIP("192.168.1.0"),
		Mask:          net.IPv4Mask(255, 255, 255, 0),
		LeaseDuration: time.Minute,
		SweepInterval: 5 * time.Millisecond,
		Now:           clock.Now,
	}, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	_, err = m.Allocate(testMAC(1))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return m.Stats().Active == 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	requireInventoryInvariant(t, m)
}

func TestStartStopsWithContext(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, m.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestStartAgainAfterContextCancellation(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return m.Start(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)
	require.Error(t, m.Start(context.Background()))

	m.Stop()
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}
