// Package events forwards lease transitions to NATS.
package events

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"leased/services/dhcpd/internal/lease"
)

const (
	// SubjectPrefix is the root of every lease subject.
	SubjectPrefix = "dhcpd.leases"

	// StreamName is the JetStream stream holding lease events.
	StreamName = "DHCPD_LEASES"

	DefaultQueueSize = 256

	publishTimeout = 5 * time.Second
)

// Subject returns the subject lease events of kind are published on.
func Subject(kind lease.EventKind) string {
	return SubjectPrefix + "." + string(kind)
}

// AllSubjects matches every lease subject.
func AllSubjects() string {
	return SubjectPrefix + ".>"
}

// Message is the JSON payload of a lease event. Seq orders the events of one
// server process; consumers should apply them in Seq order.
type Message struct {
	EventID   string     `json:"event_id"`
	Seq       uint64     `json:"seq"`
	Kind      string     `json:"kind"`
	MAC       string     `json:"mac"`
	IP        string     `json:"ip"`
	At        time.Time  `json:"at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// MsgID lets the bus deduplicate retried publishes of the same event.
func (m Message) MsgID() string { return m.EventID }

// Sink publishes a JSON-encodable value on a subject. *bus.Bus satisfies it.
type Sink interface {
	Publish(ctx context.Context, subj string, v any) error
}

type queued struct {
	subject string
	msg     Message
}

// Publisher is a lease.Observer that hands events to a background goroutine,
// so lease operations never wait on the network. Events arriving while the
// queue is full are dropped and counted.
type Publisher struct {
	sink    Sink
	logger  *log.Logger
	queue   chan queued
	dropped atomic.Uint64
}

func NewPublisher(sink Sink, queueSize int, logger *log.Logger) (*Publisher, error) {
	if sink == nil {
		return nil, errors.New("events: sink is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		sink:   sink,
		logger: logger,
		queue:  make(chan queued, queueSize),
	}, nil
}

// LeaseEvent implements lease.Observer.
func (p *Publisher) LeaseEvent(evt lease.Event) {
	if p == nil {
		return
	}
	item := queued{subject: Subject(evt.Kind), msg: newMessage(evt)}
	select {
	case p.queue <- item:
	default:
		p.dropped.Add(1)
		p.logger.Printf("WARN lease event queue full, dropped %s event for %s", evt.Kind, evt.MAC)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (p *Publisher) Dropped() uint64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

// Run publishes queued events until ctx is cancelled, then flushes what is
// left in the queue.
func (p *Publisher) Run(ctx context.Context) error {
	if p == nil {
		return errors.New("nil publisher")
	}
	for {
		select {
		case item := <-p.queue:
			p.publish(ctx, item)
		case <-ctx.Done():
			p.flush()
			return nil
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case item := <-p.queue:
			p.publish(ctx, item)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, item queued) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.sink.Publish(pubCtx, item.subject, item.msg); err != nil {
		p.logger.Printf("ERROR publish %s: %v", item.subject, err)
	}
}

func newMessage(evt lease.Event) Message {
	msg := Message{
		EventID: uuid.NewString(),
		Seq:     evt.Seq,
		Kind:    string(evt.Kind),
		MAC:     evt.MAC.String(),
		IP:      evt.IP.String(),
		At:      evt.At.UTC(),
	}
	if !evt.ExpiresAt.IsZero() {
		exp := evt.ExpiresAt.UTC()
		msg.ExpiresAt = &exp
	}
	return msg
}
