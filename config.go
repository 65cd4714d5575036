package mailcrab

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// TLSMode selects how the SMTP listener applies TLS.
type TLSMode int

const (
	// TLSModeNone serves plaintext only
	TLSModeNone TLSMode = iota
	// TLSModeStartTLS accepts plaintext and advertises an in-band upgrade
	TLSModeStartTLS
	// TLSModeWrapped performs the TLS handshake immediately on accept (SMTPS)
	TLSModeWrapped
)

func (m TLSMode) String() string {
	switch m {
	case TLSModeStartTLS:
		return "starttls"
	case TLSModeWrapped:
		return "wrapped"
	}
	return "none"
}

// Config holds the runtime configuration of the daemon
type Config struct {
	SMTPHost string
	SMTPPort int
	HTTPHost string
	HTTPPort int
	// TLSMode applies to every session of the SMTP listener
	TLSMode TLSMode
	// AuthEnabled accepts (and ignores) AUTH PLAIN / AUTH LOGIN, but only
	// once TLS is active on the session
	AuthEnabled bool
	// Prefix mounts the HTTP API under a URL path, for reverse proxies
	Prefix string
	// RetentionPeriod is the maximum message age; zero keeps forever
	RetentionPeriod time.Duration
	// QueueCapacity is the broadcast queue ring size
	QueueCapacity int
	LogLevel      string
	LogDest       string
}

// environment variables read by ConfigFromEnv, mapped to config keys
var envVars = map[string]string{
	"SMTP_HOST":                 "smtp_host",
	"SMTP_PORT":                 "smtp_port",
	"HTTP_HOST":                 "http_host",
	"HTTP_PORT":                 "http_port",
	"ENABLE_TLS_AUTH":           "enable_tls_auth",
	"MAILCRAB_PREFIX":           "prefix",
	"MAILCRAB_RETENTION_PERIOD": "retention_period",
	"QUEUE_CAPACITY":            "queue_capacity",
	"LOG_LEVEL":                 "log_level",
	"LOG_FILE":                  "log_file",
}

var configDefaults = map[string]interface{}{
	"smtp_host":        "0.0.0.0",
	"smtp_port":        1025,
	"http_host":        "127.0.0.1",
	"http_port":        1080,
	"enable_tls_auth":  false,
	"prefix":           "",
	"retention_period": 0,
	"queue_capacity":   32,
	"log_level":        "info",
	"log_file":         "stderr",
}

// ConfigFromEnv builds the configuration from environment variables,
// falling back to the documented defaults
func ConfigFromEnv() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(configDefaults, "."), nil); err != nil {
		return nil, fmt.Errorf("could not load config defaults: %s", err)
	}
	if err := k.Load(env.Provider("", ".", func(name string) string {
		return envVars[name]
	}), nil); err != nil {
		return nil, fmt.Errorf("could not read the environment: %s", err)
	}

	c := &Config{
		SMTPHost:        k.String("smtp_host"),
		SMTPPort:        k.Int("smtp_port"),
		HTTPHost:        k.String("http_host"),
		HTTPPort:        k.Int("http_port"),
		Prefix:          k.String("prefix"),
		RetentionPeriod: time.Duration(k.Int("retention_period")) * time.Second,
		QueueCapacity:   k.Int("queue_capacity"),
		LogLevel:        k.String("log_level"),
		LogDest:         k.String("log_file"),
	}
	if k.Bool("enable_tls_auth") {
		c.TLSMode = TLSModeWrapped
		c.AuthEnabled = true
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks addresses and numeric bounds, normalizing the prefix
func (c *Config) Validate() error {
	if net.ParseIP(c.SMTPHost) == nil {
		return fmt.Errorf("SMTP_HOST is not a valid IP address: %q", c.SMTPHost)
	}
	if net.ParseIP(c.HTTPHost) == nil {
		return fmt.Errorf("HTTP_HOST is not a valid IP address: %q", c.HTTPHost)
	}
	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		return fmt.Errorf("SMTP_PORT out of range: %d", c.SMTPPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.RetentionPeriod < 0 {
		return fmt.Errorf("MAILCRAB_RETENTION_PERIOD cannot be negative")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}
	if len(c.Prefix) > 0 {
		c.Prefix = "/" + strings.Trim(c.Prefix, "/")
		if c.Prefix == "/" {
			c.Prefix = ""
		}
	}
	if len(c.LogLevel) == 0 {
		c.LogLevel = "info"
	}
	if len(c.LogDest) == 0 {
		c.LogDest = "stderr"
	}
	return nil
}

// SMTPAddr is the listen address of the SMTP server
func (c *Config) SMTPAddr() string {
	return net.JoinHostPort(c.SMTPHost, fmt.Sprintf("%d", c.SMTPPort))
}

// HTTPAddr is the listen address of the HTTP API
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPHost, fmt.Sprintf("%d", c.HTTPPort))
}
