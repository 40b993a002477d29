// Package config provides layered configuration for the SMTP sink:
// defaults, an optional YAML file, environment variables and finally
// command-line flags, each overriding the previous layer.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost = "localhost"
	defaultPort = 25

	// defaultMaxMessageSize is 25 MB in bytes.
	defaultMaxMessageSize = 26214400

	defaultMaxRecipients = 100
	defaultTimeout       = 60 * time.Second
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	Mail    MailConfig    `yaml:"mail"`
	Logging LoggingConfig `yaml:"logging"`

	// Foreground keeps the process attached to the terminal with console
	// logging and message echo. Only settable with --no-fork.
	Foreground bool `yaml:"-"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Domain         string        `yaml:"domain"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	MaxRecipients  int           `yaml:"max_recipients"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// MailConfig holds the mail root location.
type MailConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from defaults, the YAML file at path (if not
// empty) and environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	return cfg, nil
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("config", "", "Path to an optional YAML configuration file")
	flags.Bool("no-fork", false, "Don't fork and run as a daemon. Additionally, print all log messages to stdout/stderr and all emails to stdout")
	flags.StringP("host", "H", defaultHost, "Host to listen on")
	flags.IntP("port", "P", defaultPort, "Port to listen on")
	flags.String("mail-dir", DefaultMailDir(), "Location to write logs and emails")
	flags.String("log-level", "info", "Console logging level: debug, info, warn, error")
}

// LoadConfig builds the configuration for cmd: the file named by
// --config, then environment variables, then every flag the user set
// explicitly.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if cfg.Foreground, err = flags.GetBool("no-fork"); err != nil {
		return nil, err
	}
	if flags.Changed("host") {
		if cfg.SMTP.Host, err = flags.GetString("host"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("port") {
		if cfg.SMTP.Port, err = flags.GetInt("port"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("mail-dir") {
		if cfg.Mail.Dir, err = flags.GetString("mail-dir"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("log-level") {
		level, err := flags.GetString("log-level")
		if err != nil {
			return nil, err
		}
		cfg.Logging.Level = strings.ToLower(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. It does not touch the filesystem.
func (c *Config) Validate() error {
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.SMTP.Port)
	}
	if strings.TrimSpace(c.Mail.Dir) == "" {
		return fmt.Errorf("mail directory is required")
	}
	if c.SMTP.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size must not be negative")
	}
	if c.SMTP.MaxRecipients < 0 {
		return fmt.Errorf("max_recipients must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// ListenAddr returns host:port for the SMTP listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.SMTP.Host, strconv.Itoa(c.SMTP.Port))
}

// DefaultMailDir returns ~/.nullsmtpd, or a relative .nullsmtpd when the
// home directory is unknown.
func DefaultMailDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nullsmtpd"
	}
	return filepath.Join(home, ".nullsmtpd")
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Host = defaultHost
	c.SMTP.Port = defaultPort
	c.SMTP.Domain = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = defaultMaxRecipients
	c.SMTP.ReadTimeout = defaultTimeout
	c.SMTP.WriteTimeout = defaultTimeout
	c.Mail.Dir = DefaultMailDir()
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("NULLSMTPD_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("NULLSMTPD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NULLSMTPD_PORT %q: %w", v, err)
		}
		c.SMTP.Port = port
	}
	if v := os.Getenv("NULLSMTPD_DOMAIN"); v != "" {
		c.SMTP.Domain = v
	}
	if v := os.Getenv("NULLSMTPD_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("NULLSMTPD_MAX_RECIPIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxRecipients = n
		}
	}
	if v := os.Getenv("NULLSMTPD_MAIL_DIR"); v != "" {
		c.Mail.Dir = v
	}
	if v := os.Getenv("NULLSMTPD_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}
