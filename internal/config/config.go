// Package config provides configuration management for trafficgov.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// VPNInterface describes one VPN overlay interface and the subnet it hands out.
type VPNInterface struct {
	Name   string `mapstructure:"name"`
	Subnet string `mapstructure:"subnet"`
}

// Config holds all runtime configuration for trafficgov.
type Config struct {
	// ── Measurement ──────────────────────────────────────────────────────────
	// LogDir holds one append-only sample file per tenant counter.
	LogDir       string `mapstructure:"log_dir"`
	HistoryLines int    `mapstructure:"history_lines"`
	RosterPath   string `mapstructure:"roster_path"`

	// ── State ────────────────────────────────────────────────────────────────
	// RuntimeDir is root-only: traffic cache and throttle markers live here.
	RuntimeDir string `mapstructure:"runtime_dir"`
	LimitsDir  string `mapstructure:"limits_dir"`
	DBPath     string `mapstructure:"db_path"`

	// ── Throttling ───────────────────────────────────────────────────────────
	Cooldown     time.Duration `mapstructure:"cooldown"`
	LiftPause    time.Duration `mapstructure:"lift_pause"`
	LiftRetries  uint64        `mapstructure:"lift_retries"`
	ThrottleRate string        `mapstructure:"throttle_rate"` // shaper rate, e.g. "2mbit"

	// ── Network topology ─────────────────────────────────────────────────────
	Uplink            string         `mapstructure:"uplink"` // empty = detect default route
	LinkSpeed         string         `mapstructure:"link_speed"`
	LocalNetworksPath string         `mapstructure:"local_networks_path"`
	InfraAccount      string         `mapstructure:"infra_account"`
	VPNInterfaces     []VPNInterface `mapstructure:"vpn_interfaces"`
	VPNPorts          []string       `mapstructure:"vpn_ports"` // "udp/51820"
	BogonNetworks     []string       `mapstructure:"bogon_networks"`

	// ── Enforcement toolchain ────────────────────────────────────────────────
	RestoreCommand     string        `mapstructure:"restore_command"`
	FilterCommand      string        `mapstructure:"filter_command"`
	ShaperCommand      string        `mapstructure:"shaper_command"`
	ShaperTemplatePath string        `mapstructure:"shaper_template_path"`
	ShaperConfigPath   string        `mapstructure:"shaper_config_path"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`

	// RemoteHost, when set, runs every enforcement command over SSH instead
	// of on the local machine.
	RemoteHost    string `mapstructure:"remote_host"`
	RemoteUser    string `mapstructure:"remote_user"`
	RemoteKeyPath string `mapstructure:"remote_key_path"`

	// ── Scheduling ───────────────────────────────────────────────────────────
	AggregateSchedule string `mapstructure:"aggregate_schedule"`
	EnforceSchedule   string `mapstructure:"enforce_schedule"`

	// ── Status API ───────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	AdminUser  string `mapstructure:"admin_user"`
	// AdminPassHash is a bcrypt hash; generate one with `trafficgov hash-password`.
	AdminPassHash string `mapstructure:"admin_pass_hash"`

	// ── Logging ──────────────────────────────────────────────────────────────
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json | console
	LogFile   string `mapstructure:"log_file"`
}

// DefaultBogons are source ranges that never legitimately arrive on a public uplink.
var DefaultBogons = []string{
	"0.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
}

// Load reads config from file (./config.yaml, ~/.trafficgov/config.yaml or
// /etc/trafficgov/config.yaml) and falls back to defaults. Environment
// variables with prefix TRAFFICGOV_ override file values.
func Load() (*Config, error) {
	return load(viper.New())
}

// LoadFile is Load with an explicit config file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	// --- Config file ---
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.trafficgov")
		v.AddConfigPath("/etc/trafficgov")
	}
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("TRAFFICGOV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_dir", "/var/log/trafficgov")
	v.SetDefault("history_lines", 35*24*12) // 35 days of 5-minute samples
	v.SetDefault("roster_path", "/etc/trafficgov/tenants")

	v.SetDefault("runtime_dir", "/run/trafficgov")
	v.SetDefault("limits_dir", "/etc/trafficgov/limits")
	v.SetDefault("db_path", "/var/lib/trafficgov/state.db")

	v.SetDefault("cooldown", 72*time.Hour)
	v.SetDefault("lift_pause", time.Second)
	v.SetDefault("lift_retries", 3)
	v.SetDefault("throttle_rate", "2mbit")

	v.SetDefault("uplink", "")
	v.SetDefault("link_speed", "1000mbit")
	v.SetDefault("local_networks_path", "/etc/trafficgov/local-networks")
	v.SetDefault("infra_account", "www-data")
	v.SetDefault("vpn_interfaces", []map[string]string{})
	v.SetDefault("vpn_ports", []string{"udp/51820", "udp/1194"})
	v.SetDefault("bogon_networks", DefaultBogons)

	v.SetDefault("restore_command", "iptables-restore")
	v.SetDefault("filter_command", "iptables -w")
	v.SetDefault("shaper_command", "fireqos start")
	v.SetDefault("shaper_template_path", "/etc/trafficgov/shaper.conf.tmpl")
	v.SetDefault("shaper_config_path", "/etc/firehol/fireqos.conf")
	v.SetDefault("command_timeout", 30*time.Second)

	v.SetDefault("remote_host", "")
	v.SetDefault("remote_user", "root")
	v.SetDefault("remote_key_path", "~/.ssh/id_rsa")

	v.SetDefault("aggregate_schedule", "0 */5 * * * *")
	v.SetDefault("enforce_schedule", "30 */15 * * * *")

	v.SetDefault("server_host", "127.0.0.1")
	v.SetDefault("server_port", 6680)
	v.SetDefault("jwt_secret", "change-me")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass_hash", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")
}

// Validate rejects configurations the enforcement cycle cannot run with.
func (c *Config) Validate() error {
	if c.HistoryLines < 2 {
		return fmt.Errorf("history_lines must be at least 2, got %d", c.HistoryLines)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %s", c.Cooldown)
	}
	if c.LiftPause < 0 {
		return fmt.Errorf("lift_pause must not be negative, got %s", c.LiftPause)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout)
	}
	for _, vi := range c.VPNInterfaces {
		if vi.Name == "" {
			return fmt.Errorf("vpn_interfaces: entry with subnet %q has no name", vi.Subnet)
		}
	}
	return nil
}
