package config

import (
	"net"
	"time"
)

type Config struct {
	DHCP   DHCPConfig
	TFTP   TFTPConfig
	HTTP   HTTPConfig
	Events EventsConfig
}

type DHCPConfig struct {
	ListenAddress string
	Interface     string
	Subnet        net.IP
	SubnetMask    net.IPMask
	Gateway       net.IP
	DNSServers    []net.IP
	DomainName    string
	NTPServers    []net.IP
	LeaseTime     time.Duration
	SweepInterval time.Duration
	ServerIP      net.IP
	NextServer    net.IP
	BootFilename  string
}

type TFTPConfig struct {
	Enabled    bool
	Address    string
	RootDir    string
	TimeoutSec int
}

type HTTPConfig struct {
	Port int
}

type EventsConfig struct {
	NATSURL   string
	QueueSize int
}

// fileConfig mirrors the YAML file. Values read from it become the defaults
// that DHCPD_* environment variables override.
type fileConfig struct {
	Subnet               string   `yaml:"subnet"`
	SubnetMask           string   `yaml:"subnet_mask"`
	Gateway              string   `yaml:"gateway"`
	DNSServers           []string `yaml:"dns_servers"`
	DomainName           string   `yaml:"domain_name"`
	NTPServers           []string `yaml:"ntp_servers"`
	LeaseSeconds         int      `yaml:"lease_seconds"`
	SweepIntervalSeconds int      `yaml:"sweep_interval_seconds"`
	ListenAddress        string   `yaml:"listen_address"`
	Interface            string   `yaml:"interface"`
	ServerIP             string   `yaml:"server_ip"`
	NextServer           string   `yaml:"next_server"`
	BootFilename         string   `yaml:"boot_filename"`
	HTTPPort             int      `yaml:"http_port"`
	NATSURL              string   `yaml:"nats_url"`
	EventQueueSize       int      `yaml:"event_queue_size"`
	TFTP                 struct {
		Enabled        bool   `yaml:"enabled"`
		Address        string `yaml:"address"`
		Root           string `yaml:"root"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"tftp"`
}
