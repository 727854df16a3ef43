// Package bus carries JSON events over NATS JetStream. The DHCP server
// publishes lease transitions through it and the watch command consumes them.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus holds one NATS connection and its JetStream context.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New dials url and opens JetStream on the connection.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// DuplicateWindow is how long JetStream remembers message ids of a stream
// created by EnsureStream.
const DuplicateWindow = 2 * time.Minute

// Identified is implemented by payloads that carry a stable id. Publish sends
// it as the JetStream message id, so a retried publish is stored once.
type Identified interface {
	MsgID() string
}

// EnsureStream creates an in-memory stream for subjects when no stream named
// name exists yet. An existing stream is left as it is.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if _, err := b.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    nats.MemoryStorage,
		Duplicates: DuplicateWindow,
	})
	return err
}

// Close drains pending publishes and subscriptions, falling back to a hard
// close when draining fails.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish stores v as JSON on subj and waits for the stream's ack or ctx.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, publishOptions(ctx, v)...)
	return err
}

func publishOptions(ctx context.Context, v any) []nats.PubOpt {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if id, ok := v.(Identified); ok && id.MsgID() != "" {
		opts = append(opts, nats.MsgId(id.MsgID()))
	}
	return opts
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe attaches fn to a durable consumer on subj. A nil return from fn
// acks the message; an error naks it for redelivery. The subscription drains
// when ctx ends or the returned Closer is closed.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := fn(handlerCtx, msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
