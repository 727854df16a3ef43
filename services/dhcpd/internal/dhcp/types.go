package dhcp

import (
	"errors"
	"log"
	"net"
	"time"

	"leased/services/dhcpd/internal/codec"
	"leased/services/dhcpd/internal/config"
	"leased/services/dhcpd/internal/metrics"
)

// ErrUnsupportedMessage marks a well-formed message the server does not
// answer, such as a BOOTREPLY or a DHCPINFORM.
var ErrUnsupportedMessage = errors.New("unsupported dhcp message")

// LeaseManager is the lease inventory the handler drives. *lease.Manager
// satisfies it.
type LeaseManager interface {
	Allocate(mac net.HardwareAddr) (net.IP, error)
	Renew(mac net.HardwareAddr) (net.IP, error)
	Release(mac net.HardwareAddr) bool
	LeaseDuration() time.Duration
}

// Handler turns one request datagram into zero or one reply datagram.
type Handler struct {
	leases  LeaseManager
	options codec.ReplyOptions
	logger  *log.Logger
	metrics *metrics.Metrics
}

type Server struct {
	cfg     config.DHCPConfig
	logger  *log.Logger
	handler *Handler
	metrics *metrics.Metrics
}
