package eventbridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/sleuth/internal/config"
)

const (
	DefaultHost = "127.0.0.1"
	// DefaultPort lets the OS pick a free port; plugins find the bridge
	// through SLEUTH_BRIDGE_URL.
	DefaultPort = 0
	// DefaultMaxBodyBytes limits request payloads to 64 KiB.
	DefaultMaxBodyBytes int64 = 64 << 10

	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Environment variables overriding the project config.
const (
	EnvBridgeEnabled = "SLEUTH_BRIDGE_ENABLED"
	EnvBridgeHost    = "SLEUTH_BRIDGE_HOST"
	EnvBridgePort    = "SLEUTH_BRIDGE_PORT"
	EnvBridgeMaxBody = "SLEUTH_BRIDGE_MAX_BODY"
)

// Settings is the bridge's listener configuration. Port 0 binds any free
// port.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns an enabled bridge on the loopback interface.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
}

// SettingsFromConfig layers the project's bridge section and then the
// SLEUTH_BRIDGE_* variables over the defaults. Invalid values are ignored.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg != nil {
		bridge := cfg.Project.EventBridge
		if bridge.Enabled != nil {
			s.Enabled = *bridge.Enabled
		}
		s.setHost(bridge.Host)
		if bridge.Port != 0 {
			s.setPort(bridge.Port)
		}
		s.setMaxBody(bridge.MaxBody)
	}
	if v, ok := lookupEnv(EnvBridgeEnabled); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			s.Enabled = enabled
		}
	}
	if v, ok := lookupEnv(EnvBridgeHost); ok {
		s.setHost(v)
	}
	if v, ok := lookupEnv(EnvBridgePort); ok {
		if port, err := strconv.Atoi(v); err == nil {
			s.setPort(port)
		}
	}
	if v, ok := lookupEnv(EnvBridgeMaxBody); ok {
		if limit, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.setMaxBody(limit)
		}
	}
	return s
}

func lookupEnv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

func (s *Settings) setHost(host string) {
	if host = strings.TrimSpace(host); host != "" {
		s.Host = host
	}
}

func (s *Settings) setPort(port int) {
	if port >= 0 && port <= 65535 {
		s.Port = port
	}
}

func (s *Settings) setMaxBody(limit int64) {
	if limit > 0 {
		s.MaxBodyBytes = limit
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the configured base URL; use Server.BaseURL for the bound one.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
