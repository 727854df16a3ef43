package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"leased/services/dhcpd/internal/codec"
	"leased/services/dhcpd/internal/config"
	"leased/services/dhcpd/internal/metrics"
)

const readTimeout = time.Second

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, codec.MaxDatagramSize)
		return &b
	},
}

func NewServer(cfg config.DHCPConfig, handler *Handler, logger *log.Logger, m *metrics.Metrics) (*Server, error) {
	if handler == nil {
		return nil, errors.New("dhcp: handler is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, logger: logger, handler: handler, metrics: m}, nil
}

// Run binds the DHCP socket and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	addr, err := net.ResolveUDPAddr("udp4", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.ListenAddress, err)
	}
	conn, err := server4.NewIPv4UDPConn(s.cfg.Interface, addr)
	if err != nil {
		return fmt.Errorf("start listener on %s: %w", s.cfg.ListenAddress, err)
	}
	s.logger.Printf("INFO dhcp listening on %s interface=%q", conn.LocalAddr(), s.cfg.Interface)
	if ready != nil {
		ready.Store(true)
	}
	return s.Serve(ctx, conn)
}

// Serve reads datagrams from conn and handles each on its own goroutine. It
// takes ownership of conn, returns nil once ctx is cancelled, and closes conn
// only after in-flight exchanges have sent their replies.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	var wg sync.WaitGroup
	stop := make(chan struct{})
	defer conn.Close()
	defer wg.Wait()
	defer close(stop)

	// Cancellation interrupts the pending read; the socket stays open.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		bufp := bufPool.Get().(*[]byte)
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, peer, err := conn.ReadFrom(*bufp)
		if err != nil {
			bufPool.Put(bufp)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("dhcp read: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer bufPool.Put(bufp)
			s.exchange(ctx, conn, (*bufp)[:n], peer)
		}()
	}
}

func (s *Server) exchange(ctx context.Context, conn net.PacketConn, payload []byte, peer net.Addr) {
	reply, err := s.handler.Handle(ctx, payload, peer)
	if err != nil {
		level := "WARN"
		if errors.Is(err, ErrUnsupportedMessage) {
			level = "DEBUG"
		}
		s.logger.Printf("%s dropped datagram from %s: %v", level, peer, err)
		return
	}
	if reply == nil {
		return
	}

	dst := replyAddr(peer)
	if _, err := conn.WriteTo(reply, dst); err != nil {
		s.metrics.Dropped(metrics.DropSend)
		s.logger.Printf("ERROR send reply to %s: %v", dst, err)
	}
}

// replyAddr answers the sender directly. A sender without an address yet
// (0.0.0.0) is reached by limited broadcast on the client port.
func replyAddr(peer net.Addr) net.Addr {
	udp, ok := peer.(*net.UDPAddr)
	if !ok || udp.IP == nil || udp.IP.IsUnspecified() {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
	}
	return udp
}
