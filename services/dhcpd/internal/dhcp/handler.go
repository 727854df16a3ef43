package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"leased/services/dhcpd/internal/codec"
	"leased/services/dhcpd/internal/config"
	"leased/services/dhcpd/internal/lease"
	"leased/services/dhcpd/internal/metrics"
)

var tracer = otel.Tracer("leased/services/dhcpd/internal/dhcp")

// ReplyOptionsFrom maps the DHCP configuration onto the options carried by
// every reply. Boot fields are only set when a next server is configured.
func ReplyOptionsFrom(cfg config.DHCPConfig) codec.ReplyOptions {
	opts := codec.ReplyOptions{
		SubnetMask: cfg.SubnetMask,
		Router:     cfg.Gateway,
		DNS:        cfg.DNSServers,
		DomainName: cfg.DomainName,
		NTP:        cfg.NTPServers,
		LeaseTime:  cfg.LeaseTime,
		ServerID:   cfg.ServerIP,
	}
	if cfg.NextServer != nil {
		opts.NextServer = cfg.NextServer
		opts.BootFileName = cfg.BootFilename
	}
	return opts
}

// NewHandler returns a handler answering from leases. A zero LeaseTime in
// opts is replaced by the manager's lease duration.
func NewHandler(leases LeaseManager, opts codec.ReplyOptions, logger *log.Logger, m *metrics.Metrics) (*Handler, error) {
	if leases == nil {
		return nil, errors.New("dhcp: lease manager is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if opts.LeaseTime == 0 {
		opts.LeaseTime = leases.LeaseDuration()
	}
	return &Handler{leases: leases, options: opts, logger: logger, metrics: m}, nil
}

// Handle processes one datagram received from peer. A nil reply with a nil
// error ends the exchange without an answer: RELEASE never gets one, and
// neither does a client arriving while the pool is exhausted.
func (h *Handler) Handle(ctx context.Context, payload []byte, peer net.Addr) ([]byte, error) {
	_, span := tracer.Start(ctx, "dhcp.exchange", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	if peer != nil {
		span.SetAttributes(attribute.String("net.peer.addr", peer.String()))
	}

	reply, err := h.handle(span, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (h *Handler) handle(span trace.Span, payload []byte) ([]byte, error) {
	msg, err := codec.Decode(payload)
	if err != nil {
		h.metrics.Dropped(metrics.DropMalformed)
		return nil, err
	}

	msgType := msg.MessageType()
	mac := msg.CHAddr
	span.SetAttributes(
		attribute.String("dhcp.message_type", msgType.String()),
		attribute.String("dhcp.mac", mac.String()),
		attribute.Int64("dhcp.xid", int64(msg.XID)),
	)
	h.metrics.Received(msgType.String())

	if msg.Op != codec.OpBootRequest {
		h.metrics.Dropped(metrics.DropUnsupported)
		return nil, fmt.Errorf("%w: op %d from %s", ErrUnsupportedMessage, msg.Op, mac)
	}
	h.logger.Printf("DEBUG %s from %s xid=%#08x", msgType, mac, msg.XID)

	var (
		ip        net.IP
		replyType codec.MessageType
	)
	switch msgType {
	case codec.MessageTypeDiscover:
		replyType = codec.MessageTypeOffer
		ip, err = h.leases.Allocate(mac)
	case codec.MessageTypeRequest:
		replyType = codec.MessageTypeAck
		ip, err = h.leases.Renew(mac)
		if errors.Is(err, lease.ErrNoActiveLease) {
			ip, err = h.leases.Allocate(mac)
		}
	case codec.MessageTypeRelease:
		if !h.leases.Release(mac) {
			h.logger.Printf("DEBUG release from %s without a lease", mac)
		}
		return nil, nil
	default:
		h.metrics.Dropped(metrics.DropUnsupported)
		return nil, fmt.Errorf("%w: %s from %s", ErrUnsupportedMessage, msgType, mac)
	}

	if errors.Is(err, lease.ErrPoolExhausted) {
		h.metrics.Dropped(metrics.DropExhausted)
		span.AddEvent("pool exhausted")
		h.logger.Printf("WARN no address available for %s from %s", msgType, mac)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s from %s: %w", msgType, mac, err)
	}
	if requested := msg.RequestedIP(); requested != nil && !requested.Equal(ip) {
		h.logger.Printf("DEBUG %s from %s requested %s, granting %s", msgType, mac, requested, ip)
	}

	reply, err := codec.EncodeReply(msg, replyType, ip, &h.options)
	if err != nil {
		h.metrics.Dropped(metrics.DropEncoding)
		return nil, fmt.Errorf("encode %s for %s: %w", replyType, mac, err)
	}
	span.SetAttributes(
		attribute.String("dhcp.reply_type", replyType.String()),
		attribute.String("dhcp.ip", ip.String()),
	)
	h.metrics.Replied(replyType.String())
	return reply, nil
}
