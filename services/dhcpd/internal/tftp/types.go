package tftp

import (
	"log"

	"leased/services/dhcpd/internal/config"
)

// Server serves boot files read-only to clients pointed at it by the
// next-server and boot file fields of DHCP replies.
type Server struct {
	cfg    config.TFTPConfig
	logger *log.Logger
}
