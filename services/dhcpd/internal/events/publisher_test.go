package events

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leased/services/dhcpd/internal/lease"
)

type published struct {
	subject string
	msg     Message
}

type recordingSink struct {
	mu   sync.Mutex
	got  []published
	fail bool
}

func (s *recordingSink) Publish(_ context.Context, subj string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("nats unavailable")
	}
	s.got = append(s.got, published{subject: subj, msg: v.(Message)})
	return nil
}

func (s *recordingSink) snapshot() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.got...)
}

func testEvent(kind lease.EventKind) lease.Event {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := lease.Event{
		Kind: kind,
		MAC:  net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		IP:   net.ParseIP("192.168.1.5"),
		At:   at,
	}
	if kind == lease.EventAllocated {
		evt.ExpiresAt = at.Add(time.Hour)
	}
	return evt
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "dhcpd.leases.allocated", Subject(lease.EventAllocated))
	assert.Equal(t, "dhcpd.leases.reclaimed", Subject(lease.EventReclaimed))
	assert.Equal(t, "dhcpd.leases.>", AllSubjects())
}

func TestPublisherForwardsEvents(t *testing.T) {
	sink := &recordingSink{}
	p, err := NewPublisher(sink, 8, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.LeaseEvent(testEvent(lease.EventAllocated))
	p.LeaseEvent(testEvent(lease.EventReleased))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := sink.snapshot()
	assert.Equal(t, "dhcpd.leases.allocated", got[0].subject)
	assert.Equal(t, "allocated", got[0].msg.Kind)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got[0].msg.MAC)
	assert.Equal(t, "192.168.1.5", got[0].msg.IP)
	require.NotNil(t, got[0].msg.ExpiresAt)
	assert.Equal(t, got[0].msg.At.Add(time.Hour), *got[0].msg.ExpiresAt)
	_, err = uuid.Parse(got[0].msg.EventID)
	assert.NoError(t, err)

	assert.Equal(t, "dhcpd.leases.released", got[1].subject)
	assert.Nil(t, got[1].msg.ExpiresAt)
	assert.NotEqual(t, got[0].msg.EventID, got[1].msg.EventID)
}

func TestPublisherKeepsManagerOrder(t *testing.T) {
	sink := &recordingSink{}
	p, err := NewPublisher(sink, 16, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	mgr, err := lease.NewManager(lease.Config{
		Subnet: net.ParseIP("192.168.1.0"),
		Mask:   net.IPv4Mask(255, 255, 255, 0),
	}, log.New(io.Discard, "", 0), p)
	require.NoError(t, err)

	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	_, err = mgr.Allocate(mac)
	require.NoError(t, err)
	_, err = mgr.Renew(mac)
	require.NoError(t, err)
	require.True(t, mgr.Release(mac))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	got := sink.snapshot()
	require.Len(t, got, 3)
	for i, want := range []string{"allocated", "renewed", "released"} {
		assert.Equal(t, want, got[i].msg.Kind)
		assert.Equal(t, uint64(i+1), got[i].msg.Seq)
	}
}

func TestPublisherDropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	p, err := NewPublisher(sink, 1, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	p.LeaseEvent(testEvent(lease.EventAllocated))
	p.LeaseEvent(testEvent(lease.EventRenewed))
	p.LeaseEvent(testEvent(lease.EventReleased))
	assert.Equal(t, uint64(2), p.Dropped())

	// Cancelled before Run starts: the queued event is still flushed.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "allocated", got[0].msg.Kind)
}

func TestPublisherSurvivesSinkErrors(t *testing.T) {
	sink := &recordingSink{fail: true}
	p, err := NewPublisher(sink, 4, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	p.LeaseEvent(testEvent(lease.EventReclaimed))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Run(ctx))
	assert.Empty(t, sink.snapshot())
}

func TestNewPublisherRequiresSink(t *testing.T) {
	_, err := NewPublisher(nil, 1, nil)
	assert.Error(t, err)
}
