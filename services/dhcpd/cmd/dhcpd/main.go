package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"leased/pkg/bus"
	"leased/pkg/telemetry"
	"leased/services/dhcpd/internal/adminhttp"
	"leased/services/dhcpd/internal/config"
	"leased/services/dhcpd/internal/dhcp"
	"leased/services/dhcpd/internal/events"
	"leased/services/dhcpd/internal/lease"
	"leased/services/dhcpd/internal/metrics"
	"leased/services/dhcpd/internal/tftp"
)

const serviceName = "dhcpd"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "dhcpd",
		Short:         "IPv4 DHCP server with an in-memory lease pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file (defaults to $DHCPD_CONFIG)")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newPoolCommand(&configPath))
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DHCP server, admin API and optional TFTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configPath)
		},
	}
}

func newPoolCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Print the address pool computed from the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			addrs, err := lease.Generate(cfg.DHCP.Subnet, cfg.DHCP.SubnetMask)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s/%s gateway %s: %d addresses\n",
				cfg.DHCP.Subnet, net.IP(cfg.DHCP.SubnetMask), cfg.DHCP.Gateway, len(addrs))
			for _, ip := range addrs {
				fmt.Fprintln(out, ip)
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	var (
		natsURL string
		durable string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print lease events published by a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if natsURL == "" {
				return errors.New("--nats-url or DHCPD_NATS_URL is required")
			}
			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := bus.New(natsURL, nats.Name(serviceName+"-watch"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()
			if err := b.EnsureStream(events.StreamName, events.AllSubjects()); err != nil {
				return fmt.Errorf("ensure stream: %w", err)
			}

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, events.AllSubjects(), durable, func(ctx context.Context, data []byte) error {
				var msg events.Message
				if err := json.Unmarshal(data, &msg); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s #%d %-9s %s %s\n", msg.At.Format(time.RFC3339), msg.Seq, msg.Kind, msg.MAC, msg.IP)
				return nil
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", os.Getenv("DHCPD_NATS_URL"), "NATS server URL")
	cmd.Flags().StringVar(&durable, "durable", "dhcpd-watch", "JetStream durable consumer name")
	return cmd
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func run(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	observers := []lease.Observer{m}

	pubDone := make(chan struct{})
	if cfg.Events.NATSURL != "" {
		b, err := bus.New(cfg.Events.NATSURL, nats.Name(serviceName))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(events.StreamName, events.AllSubjects()); err != nil {
			return fmt.Errorf("ensure lease event stream: %w", err)
		}
		publisher, err := events.NewPublisher(b, cfg.Events.QueueSize, logger)
		if err != nil {
			return err
		}
		observers = append(observers, publisher)
		go func() {
			defer close(pubDone)
			_ = publisher.Run(ctx)
		}()
		// Flush queued events before the bus is drained.
		defer func() {
			stop()
			<-pubDone
		}()
		logger.Printf("INFO publishing lease events to %s", cfg.Events.NATSURL)
	}

	mgr, err := lease.NewManager(lease.Config{
		Subnet:        cfg.DHCP.Subnet,
		Mask:          cfg.DHCP.SubnetMask,
		LeaseDuration: cfg.DHCP.LeaseTime,
		SweepInterval: cfg.DHCP.SweepInterval,
	}, logger, observers...)
	if err != nil {
		return fmt.Errorf("create lease manager: %w", err)
	}
	if err := metrics.RegisterPoolGauges(prometheus.DefaultRegisterer, mgr.Stats); err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start lease reclamation: %w", err)
	}
	defer mgr.Stop()

	handler, err := dhcp.NewHandler(mgr, dhcp.ReplyOptionsFrom(cfg.DHCP), logger, m)
	if err != nil {
		return fmt.Errorf("create dhcp handler: %w", err)
	}
	server, err := dhcp.NewServer(cfg.DHCP, handler, logger, m)
	if err != nil {
		return fmt.Errorf("create dhcp server: %w", err)
	}

	var dhcpReady, tftpReady atomic.Bool
	errCh := make(chan error, 3)

	go func() {
		if err := server.Run(ctx, &dhcpReady); err != nil {
			errCh <- fmt.Errorf("dhcp: %w", err)
		}
	}()

	if cfg.TFTP.Enabled {
		tftpServer := tftp.NewServer(cfg.TFTP, logger)
		go func() {
			if err := tftpServer.Run(ctx, &tftpReady); err != nil {
				errCh <- fmt.Errorf("tftp: %w", err)
			}
		}()
	} else {
		tftpReady.Store(true)
	}

	api, err := adminhttp.New(mgr, func() bool {
		return dhcpReady.Load() && tftpReady.Load()
	}, promhttp.Handler(), logger)
	if err != nil {
		return fmt.Errorf("create admin api: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           middleware(api.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s", httpServer.Addr)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
