package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"inet.af/netaddr"

	"leased/services/dhcpd/internal/codec"
	"leased/services/dhcpd/internal/lease"
)

func defaults() fileConfig {
	raw := fileConfig{
		Subnet:               "192.168.1.0",
		SubnetMask:           "255.255.255.0",
		Gateway:              "192.168.1.1",
		DNSServers:           []string{"8.8.8.8"},
		LeaseSeconds:         3600,
		SweepIntervalSeconds: 60,
		ListenAddress:        ":67",
		BootFilename:         "undionly.kpxe",
		HTTPPort:             8080,
		EventQueueSize:       256,
	}
	raw.TFTP.Address = ":69"
	raw.TFTP.Root = "/var/lib/tftpboot"
	raw.TFTP.TimeoutSeconds = 5
	return raw
}

// Load builds the configuration from the YAML file at path (or DHCPD_CONFIG
// when path is empty), then applies DHCPD_* environment overrides.
func Load(path string) (Config, error) {
	raw := defaults()

	if path == "" {
		path = os.Getenv("DHCPD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&raw)
	return build(raw)
}

func applyEnv(raw *fileConfig) {
	raw.Subnet = getEnv("DHCPD_SUBNET", raw.Subnet)
	raw.SubnetMask = getEnv("DHCPD_SUBNET_MASK", raw.SubnetMask)
	raw.Gateway = getEnv("DHCPD_GATEWAY", raw.Gateway)
	raw.DNSServers = getEnvList("DHCPD_DNS", raw.DNSServers)
	raw.DomainName = getEnv("DHCPD_DOMAIN_NAME", raw.DomainName)
	raw.NTPServers = getEnvList("DHCPD_NTP_SERVERS", raw.NTPServers)
	raw.LeaseSeconds = getEnvInt("DHCPD_LEASE_SECONDS", raw.LeaseSeconds)
	raw.SweepIntervalSeconds = getEnvInt("DHCPD_SWEEP_INTERVAL_SECONDS", raw.SweepIntervalSeconds)
	raw.ListenAddress = getEnv("DHCPD_LISTEN_ADDRESS", raw.ListenAddress)
	raw.Interface = getEnv("DHCPD_INTERFACE", raw.Interface)
	raw.ServerIP = getEnv("DHCPD_SERVER_IP", raw.ServerIP)
	raw.NextServer = getEnv("DHCPD_NEXT_SERVER", raw.NextServer)
	raw.BootFilename = getEnv("DHCPD_BOOT_FILE", raw.BootFilename)
	raw.HTTPPort = getEnvInt("DHCPD_HTTP_PORT", raw.HTTPPort)
	raw.NATSURL = getEnv("DHCPD_NATS_URL", raw.NATSURL)
	raw.EventQueueSize = getEnvInt("DHCPD_EVENT_QUEUE_SIZE", raw.EventQueueSize)
	raw.TFTP.Enabled = getEnvBool("DHCPD_TFTP_ENABLED", raw.TFTP.Enabled)
	raw.TFTP.Address = getEnv("DHCPD_TFTP_ADDRESS", raw.TFTP.Address)
	raw.TFTP.Root = getEnv("DHCPD_TFTP_ROOT", raw.TFTP.Root)
	raw.TFTP.TimeoutSeconds = getEnvInt("DHCPD_TFTP_TIMEOUT", raw.TFTP.TimeoutSeconds)
}

func build(raw fileConfig) (Config, error) {
	cfg := Config{}

	subnet, err := parseIPv4("subnet", raw.Subnet)
	if err != nil {
		return Config{}, err
	}
	mask, err := parseMask(raw.SubnetMask)
	if err != nil {
		return Config{}, err
	}
	ones, _ := mask.Size()
	if ones != 24 {
		return Config{}, fmt.Errorf("subnet_mask %s: %w", raw.SubnetMask, lease.ErrUnsupportedMask)
	}
	prefix := netaddr.IPPrefixFrom(subnet, uint8(ones)).Masked()

	gateway, err := parseIPv4("gateway", raw.Gateway)
	if err != nil {
		return Config{}, err
	}
	if !prefix.Contains(gateway) {
		return Config{}, fmt.Errorf("gateway %s is outside subnet %s", gateway, prefix)
	}

	cfg.DHCP.Subnet = stdIP(prefix.IP())
	cfg.DHCP.SubnetMask = mask
	cfg.DHCP.Gateway = stdIP(gateway)
	if cfg.DHCP.DNSServers, err = parseIPv4List("dns_servers", raw.DNSServers); err != nil {
		return Config{}, err
	}
	if cfg.DHCP.NTPServers, err = parseIPv4List("ntp_servers", raw.NTPServers); err != nil {
		return Config{}, err
	}
	cfg.DHCP.DomainName = strings.TrimSpace(raw.DomainName)

	if raw.LeaseSeconds <= 0 {
		return Config{}, fmt.Errorf("lease_seconds must be positive, got %d", raw.LeaseSeconds)
	}
	cfg.DHCP.LeaseTime = time.Duration(raw.LeaseSeconds) * time.Second
	if raw.SweepIntervalSeconds <= 0 {
		return Config{}, fmt.Errorf("sweep_interval_seconds must be positive, got %d", raw.SweepIntervalSeconds)
	}
	cfg.DHCP.SweepInterval = time.Duration(raw.SweepIntervalSeconds) * time.Second

	if raw.ServerIP != "" {
		ip, err := parseIPv4("server_ip", raw.ServerIP)
		if err != nil {
			return Config{}, err
		}
		cfg.DHCP.ServerIP = stdIP(ip)
	}
	if raw.NextServer != "" {
		ip, err := parseIPv4("next_server", raw.NextServer)
		if err != nil {
			return Config{}, err
		}
		cfg.DHCP.NextServer = stdIP(ip)
	}
	cfg.DHCP.BootFilename = raw.BootFilename
	cfg.DHCP.ListenAddress = raw.ListenAddress
	if _, _, err := net.SplitHostPort(cfg.DHCP.ListenAddress); err != nil {
		return Config{}, fmt.Errorf("invalid listen_address %q: %w", raw.ListenAddress, err)
	}
	if cfg.DHCP.Interface, err = resolveInterface(raw.Interface, cfg.DHCP.ServerIP); err != nil {
		return Config{}, err
	}

	if raw.HTTPPort <= 0 || raw.HTTPPort > 65535 {
		return Config{}, fmt.Errorf("http_port %d is outside the valid range 1-65535", raw.HTTPPort)
	}
	cfg.HTTP.Port = raw.HTTPPort

	cfg.Events.NATSURL = raw.NATSURL
	cfg.Events.QueueSize = raw.EventQueueSize

	cfg.TFTP.Enabled = raw.TFTP.Enabled
	cfg.TFTP.Address = raw.TFTP.Address
	cfg.TFTP.RootDir = raw.TFTP.Root
	cfg.TFTP.TimeoutSec = raw.TFTP.TimeoutSeconds
	if cfg.TFTP.Enabled {
		if cfg.DHCP.NextServer == nil {
			cfg.DHCP.NextServer = cfg.DHCP.ServerIP
		}
		if cfg.DHCP.NextServer == nil {
			return Config{}, errors.New("tftp requires next_server or server_ip")
		}
	}

	// Every reply carries these values, so reject what the encoder would
	// refuse before the server takes addresses out of the pool.
	opts := codec.ReplyOptions{
		SubnetMask:   cfg.DHCP.SubnetMask,
		Router:       cfg.DHCP.Gateway,
		DNS:          cfg.DHCP.DNSServers,
		DomainName:   cfg.DHCP.DomainName,
		NTP:          cfg.DHCP.NTPServers,
		LeaseTime:    cfg.DHCP.LeaseTime,
		ServerID:     cfg.DHCP.ServerIP,
		NextServer:   cfg.DHCP.NextServer,
		BootFileName: cfg.DHCP.BootFilename,
	}
	if err := opts.Validate(); err != nil {
		return Config{}, fmt.Errorf("dhcp reply options: %w", err)
	}

	return cfg, nil
}

func parseIPv4(field, value string) (netaddr.IP, error) {
	ip, err := netaddr.ParseIP(strings.TrimSpace(value))
	if err != nil {
		return netaddr.IP{}, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if !ip.Is4() {
		return netaddr.IP{}, fmt.Errorf("invalid %s %q: not an IPv4 address", field, value)
	}
	return ip, nil
}

func parseIPv4List(field string, values []string) ([]net.IP, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]net.IP, 0, len(values))
	for _, v := range values {
		ip, err := parseIPv4(field, v)
		if err != nil {
			return nil, err
		}
		out = append(out, stdIP(ip))
	}
	return out, nil
}

func parseMask(value string) (net.IPMask, error) {
	ip, err := parseIPv4("subnet_mask", value)
	if err != nil {
		return nil, err
	}
	b := ip.As4()
	mask := net.IPv4Mask(b[0], b[1], b[2], b[3])
	if _, bits := mask.Size(); bits == 0 {
		return nil, fmt.Errorf("invalid subnet_mask %q: not a contiguous mask", value)
	}
	return mask, nil
}

func stdIP(ip netaddr.IP) net.IP {
	b := ip.As4()
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// resolveInterface picks the interface the DHCP socket binds to. An empty
// value binds to no interface; "auto" finds the interface holding serverIP;
// otherwise the first present candidate wins.
func resolveInterface(value string, serverIP net.IP) (string, error) {
	candidates := strings.Split(value, ",")
	trimmed := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if name := strings.TrimSpace(c); name != "" {
			trimmed = append(trimmed, name)
		}
	}
	if len(trimmed) == 0 {
		return "", nil
	}

	for _, name := range trimmed {
		if strings.EqualFold(name, "auto") {
			if serverIP == nil {
				return "", errors.New("DHCPD_INTERFACE=auto requires DHCPD_SERVER_IP")
			}
			return interfaceByIP(serverIP)
		}
	}

	for _, name := range trimmed {
		if _, err := net.InterfaceByName(name); err == nil {
			return name, nil
		}
	}

	availableIfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("resolve DHCPD_INTERFACE: candidates %q not found and unable to list interfaces: %w", trimmed, err)
	}
	available := make([]string, 0, len(availableIfaces))
	for _, iface := range availableIfaces {
		available = append(available, iface.Name)
	}
	return "", fmt.Errorf("resolve DHCPD_INTERFACE: none of the candidates %q are present on this host (available: %s)", trimmed, strings.Join(available, ", "))
}

func interfaceByIP(ip net.IP) (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var candidate net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate != nil && candidate.To4() != nil && candidate.Equal(ip) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no network interface found with address %s", ip)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvList splits a comma separated variable, dropping empty entries.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
