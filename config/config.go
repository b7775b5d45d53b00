package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	EnvPrefix           = "MAILGATE"
	MinEncryptionKeyLen = 32
)

// Config captures all options required to run the gateway.
type Config struct {
	ListenHost         string
	Port               int
	EncryptionKey      string
	IMAPHost           string
	IMAPPort           int
	UseTLS             bool
	InsecureSkipVerify bool
	SMTPHost           string
	SMTPPort           int
	MboxDir            string
	AllowedOrigins     []string
	CookieSecure       bool
	SessionTTL         time.Duration
	MaxUploadBytes     int64
	ShutdownTimeout    time.Duration
	LogLevel           string
	LogDir             string
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.Port)
}

// RegisterFlags attaches all server flags to the provided command. Logging
// flags and --config are persistent so subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "Optional YAML config file")
	persistent.String("log-level", "info", "Logging level: debug, info, warn, error")
	persistent.String("log-dir", "", "Directory for log files in addition to stdout")

	flags := cmd.Flags()
	flags.String("listen-host", "0.0.0.0", "Address the HTTP server binds to")
	flags.Int("port", 8080, "HTTP port (falls back to PORT env var)")
	flags.String("encryption-key", "", "Session cookie key, at least 32 bytes (falls back to ENCRYPTION_KEY env var)")
	flags.String("imap-host", "", "IMAP server hostname (default imap.<user domain>)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.Bool("use-tls", true, "Use TLS for IMAP and SMTP connections")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("smtp-host", "", "SMTP server hostname (default smtp.<user domain>)")
	flags.Int("smtp-port", 587, "SMTP submission port")
	flags.String("mbox-dir", "", "Serve mailboxes from a directory of .mbox files instead of IMAP")
	flags.StringSlice("allowed-origins", []string{"*"}, "CORS origins allowed to call the API")
	flags.Bool("cookie-secure", false, "Mark the session cookie Secure")
	flags.Duration("session-ttl", 2*time.Hour, "Session cookie lifetime")
	flags.Int64("max-upload-bytes", 25<<20, "Upper bound for multipart send requests")
	flags.Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")

	return nil
}

// newViper layers environment variables and the optional config file under
// the command's flags.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := v.BindEnv("port", EnvPrefix+"_PORT", "PORT"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("encryption-key", EnvPrefix+"_ENCRYPTION_KEY", "ENCRYPTION_KEY"); err != nil {
		return nil, err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// LoadConfig resolves flags, environment and config file into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenHost:         strings.TrimSpace(v.GetString("listen-host")),
		Port:               v.GetInt("port"),
		EncryptionKey:      v.GetString("encryption-key"),
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		SMTPHost:           strings.TrimSpace(v.GetString("smtp-host")),
		SMTPPort:           v.GetInt("smtp-port"),
		MboxDir:            strings.TrimSpace(v.GetString("mbox-dir")),
		AllowedOrigins:     splitList(v.GetStringSlice("allowed-origins")),
		CookieSecure:       v.GetBool("cookie-secure"),
		SessionTTL:         v.GetDuration("session-ttl"),
		MaxUploadBytes:     v.GetInt64("max-upload-bytes"),
		ShutdownTimeout:    v.GetDuration("shutdown-timeout"),
		LogLevel:           normalizeLevel(v.GetString("log-level")),
		LogDir:             strings.TrimSpace(v.GetString("log-dir")),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadLogging resolves only the logging options, for commands that do not
// serve HTTP.
func LoadLogging(cmd *cobra.Command) (level, dir string, err error) {
	v, err := newViper(cmd)
	if err != nil {
		return "", "", err
	}
	level = normalizeLevel(v.GetString("log-level"))
	if err := validateLevel(level); err != nil {
		return "", "", err
	}
	return level, strings.TrimSpace(v.GetString("log-dir")), nil
}

func validateConfig(cfg Config) error {
	if len(cfg.EncryptionKey) < MinEncryptionKeyLen {
		return fmt.Errorf("encryption key must be at least %d bytes (--encryption-key or ENCRYPTION_KEY env var)", MinEncryptionKeyLen)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
		return fmt.Errorf("--smtp-port must be between 1 and 65535")
	}
	if cfg.SessionTTL <= 0 {
		return fmt.Errorf("--session-ttl must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		return fmt.Errorf("--max-upload-bytes must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("--shutdown-timeout must be positive")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("--allowed-origins must not be empty")
	}
	return validateLevel(cfg.LogLevel)
}

func validateLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid --log-level: %s", level)
	}
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	return level
}

// splitList accepts both repeated values and comma separated lists.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
