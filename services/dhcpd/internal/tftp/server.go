package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pin/tftp"

	"leased/services/dhcpd/internal/config"
)

// ErrOutsideRoot is returned for requests that resolve outside the root dir.
var ErrOutsideRoot = errors.New("path escapes tftp root")

func NewServer(cfg config.TFTPConfig, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	addr := s.cfg.Address
	if addr == "" {
		addr = ":69"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.logger.Printf("INFO tftp serving %s on %s", s.cfg.RootDir, conn.LocalAddr())
	if ready != nil {
		ready.Store(true)
	}
	return s.Serve(ctx, conn)
}

// Serve answers read requests on conn until ctx is cancelled. Write requests
// are refused.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	srv := tftp.NewServer(s.readHandler, nil)
	if s.cfg.TimeoutSec > 0 {
		srv.SetTimeout(time.Duration(s.cfg.TimeoutSec) * time.Second)
	}

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	path, err := s.resolve(filename)
	if err != nil {
		s.logger.Printf("WARN tftp refused %q: %v", filename, err)
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := rf.ReadFrom(f)
	if err != nil {
		return err
	}
	s.logger.Printf("INFO served %s via TFTP (%d bytes)", filename, n)
	return nil
}

// resolve maps a requested name onto the root directory.
func (s *Server) resolve(filename string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(filename))
	clean = strings.TrimPrefix(clean, string(filepath.Separator))
	if clean == "" || clean == "." {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, filename)
	}
	root := filepath.Clean(s.cfg.RootDir)
	path := filepath.Join(root, clean)
	if rel, err := filepath.Rel(root, path); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, filename)
	}
	return path, nil
}
