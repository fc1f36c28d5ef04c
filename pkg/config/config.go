// Package config loads and validates the load balancer configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for both the gateway and the poller.
type Config struct {
	// Secret is the gateway's own BBB-compatible shared secret used to
	// validate incoming request checksums.
	Secret string `yaml:"secret"`

	// Hostname is the externally visible host of the gateway. It is used as
	// the cookie domain and in self-referential URLs (the rejoin logoutURL).
	Hostname string `yaml:"hostname"`

	// LogoutURL is the default redirect target for rejoin when the original
	// create request carried no logoutURL.
	LogoutURL string `yaml:"logout_url"`

	LogDir       string   `yaml:"log_dir"`
	SSHUser      string   `yaml:"ssh_user"`
	AllowedHosts []string `yaml:"allowed_hosts"`

	Database   DatabaseConfig   `yaml:"database"`
	Player     PlayerConfig     `yaml:"player"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Poller     PollerConfig     `yaml:"poller"`
}

// DatabaseConfig holds the registry backing store settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// PlayerConfig holds the recording player service settings.
type PlayerConfig struct {
	APIURL    string `yaml:"api_url"`
	RCPSecret string `yaml:"rcp_secret"`
}

// MonitoringConfig holds the getServers endpoint authentication settings.
type MonitoringConfig struct {
	Secret string `yaml:"secret"`
	// TimeDelta is the accepted checksum time window.
	TimeDelta time.Duration `yaml:"time_delta"`
}

// PollerConfig holds the health poller settings.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	// PluginDir contains check_running_processes.sh and check_systemd.sh.
	PluginDir string `yaml:"plugin_dir"`
}

func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "loadbalancer"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Monitoring.TimeDelta == 0 {
		c.Monitoring.TimeDelta = 5 * time.Second
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 30 * time.Second
	}
	if c.Poller.PluginDir == "" {
		c.Poller.PluginDir = "./plugins"
	}
}

func (c *Config) validate() error {
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Poller.Interval < time.Second {
		return fmt.Errorf("poller.interval must be at least 1s, got %s", c.Poller.Interval)
	}
	return nil
}
