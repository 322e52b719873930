// Package config handles vlxmqttha configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from the command line) is checked first.
// Then: ./config.yaml, ~/.config/vlxmqttha/config.yaml, /etc/vlxmqttha/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vlxmqttha", "config.yaml"))
	}

	paths = append(paths, "/etc/vlxmqttha/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all vlxmqttha configuration.
type Config struct {
	MQTT    MQTTConfig   `yaml:"mqtt"`
	Velux   VeluxConfig  `yaml:"velux"`
	Log     LogConfig    `yaml:"log"`
	Listen  ListenConfig `yaml:"listen"`
	DataDir string       `yaml:"data_dir"`
}

// MQTTConfig defines the broker connection and Home Assistant
// discovery settings.
type MQTTConfig struct {
	// Broker is a full broker URL (mqtt://, mqtts://, tcp://, ssl://,
	// ws://, wss://). When empty it is built from Host and Port.
	Broker   string `yaml:"broker"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`

	// HAPrefix is prepended to every entity and device id so several
	// gateways can share one Home Assistant.
	HAPrefix        string `yaml:"haprefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// ClientID defaults to "vlxmqttha-" plus the instance id.
	ClientID string `yaml:"client_id"`

	// AvailabilityTopic carries the bridge LWT. Defaults to
	// vlxmqttha/<instance id>/availability.
	AvailabilityTopic string `yaml:"availability_topic"`
}

// BrokerURL returns Broker, or mqtt://host:port when Broker is unset.
func (c MQTTConfig) BrokerURL() string {
	if c.Broker != "" {
		return c.Broker
	}
	return "mqtt://" + joinHostPort(c.Host, c.Port)
}

// VeluxConfig defines the KLF200 gateway connection.
type VeluxConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Password          string        `yaml:"password"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CommandRate       float64       `yaml:"command_rate"`  // commands per second
	CommandBurst      int           `yaml:"command_burst"` // tokens available at once

	// InversePosition swaps position_open and position_closed in the
	// cover discovery payload, so 100 means open in Home Assistant.
	InversePosition bool `yaml:"inverse_position"`
}

// LogConfig defines logging output.
type LogConfig struct {
	// Level is trace, debug, info, warn or error. Verbose is shorthand
	// for debug and is ignored when Level is set.
	Level   string `yaml:"level"`
	Verbose bool   `yaml:"verbose"`

	// KLF200 logs every gateway frame at trace level.
	KLF200 bool `yaml:"klf200"`

	// LogFile appends log output to a file instead of stdout.
	LogFile string `yaml:"logfile"`
	Format  string `yaml:"format"` // text or json
	PidFile string `yaml:"pidfile"`
}

// ListenConfig defines the status HTTP server. Port 0 disables it.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Port:            1883,
			DiscoveryPrefix: "homeassistant",
		},
		Velux: VeluxConfig{
			Port:              51200,
			HeartbeatInterval: 30 * time.Second,
			CommandRate:       5,
			CommandBurst:      5,
		},
		Log: LogConfig{
			Format: "text",
		},
		DataDir: "./data",
	}
}

// applyDefaults restores defaults for fields the file cleared.
func (c *Config) applyDefaults() {
	d := Default()
	if c.MQTT.Port == 0 {
		c.MQTT.Port = d.MQTT.Port
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = d.MQTT.DiscoveryPrefix
	}
	if c.Velux.Port == 0 {
		c.Velux.Port = d.Velux.Port
	}
	if c.Velux.HeartbeatInterval <= 0 {
		c.Velux.HeartbeatInterval = d.Velux.HeartbeatInterval
	}
	if c.Velux.CommandRate <= 0 {
		c.Velux.CommandRate = d.Velux.CommandRate
	}
	if c.Velux.CommandBurst <= 0 {
		c.Velux.CommandBurst = d.Velux.CommandBurst
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.MQTT.DiscoveryPrefix = strings.TrimSuffix(c.MQTT.DiscoveryPrefix, "/")
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Broker == "" && c.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt.host or mqtt.broker is required"))
	}
	if c.MQTT.Broker != "" {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
		} else if !knownBrokerScheme(u.Scheme) {
			errs = append(errs, fmt.Errorf("mqtt.broker scheme %q is not supported", u.Scheme))
		}
	}
	if !validPort(c.MQTT.Port) {
		errs = append(errs, fmt.Errorf("mqtt.port %d is out of range", c.MQTT.Port))
	}
	if c.Velux.Host == "" {
		errs = append(errs, errors.New("velux.host is required"))
	}
	if c.Velux.Password == "" {
		errs = append(errs, errors.New("velux.password is required"))
	}
	if !validPort(c.Velux.Port) {
		errs = append(errs, fmt.Errorf("velux.port %d is out of range", c.Velux.Port))
	}
	if c.Listen.Port != 0 && !validPort(c.Listen.Port) {
		errs = append(errs, fmt.Errorf("listen.port %d is out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// PidFilePath returns the configured pidfile, defaulting to the data
// directory.
func (c *Config) PidFilePath() string {
	if c.Log.PidFile != "" {
		return c.Log.PidFile
	}
	return filepath.Join(c.DataDir, "vlxmqttha.pid")
}

func knownBrokerScheme(s string) bool {
	switch s {
	case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
		return true
	}
	return false
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}
