package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Credentials
	AuthFile     string
	StorageDir   string
	EnableSingle bool

	// Security
	EncryptionKey string

	// Upstream
	GameAPIURL     string
	AuthAPIURL     string
	FetchProxy     string
	RequestTimeout time.Duration

	// Logging
	LogSink  string
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		AuthFile:     os.Getenv("AUTH_FILE"),
		StorageDir:   os.Getenv("STORAGE_DIR"),
		EnableSingle: envBool("ENABLE_SINGLE_AUTH", false),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		GameAPIURL:     os.Getenv("GAME_API_URL"),
		AuthAPIURL:     os.Getenv("AUTH_API_URL"),
		FetchProxy:     os.Getenv("FETCH_PROXY"),
		RequestTimeout: envDuration("REQUEST_TIMEOUT", 30*time.Second),

		LogSink:  envOr("LOG_SINK", "stderr"),
		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// ParseFlags overlays command-line flags on the environment-derived
// config. Flags win.
func (c *Config) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("dtfetch", flag.ContinueOnError)
	var listen string
	fs.StringVar(&listen, "listen", "", "listen address, host:port (overrides HOST/PORT)")
	fs.StringVar(&c.AuthFile, "auth", c.AuthFile, "path to a credential JSON file loaded at startup")
	fs.StringVar(&c.StorageDir, "storage", c.StorageDir, "directory for durable credential storage (volatile when empty)")
	fs.BoolVar(&c.EnableSingle, "single", c.EnableSingle, "enable the single-account endpoints")
	fs.StringVar(&c.LogSink, "log-sink", c.LogSink, "log sink: stderr or journal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if listen != "" {
		host, port, err := net.SplitHostPort(listen)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", listen, err)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid listen port %q: %w", port, err)
		}
		c.Host, c.Port = host, n
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.LogSink != "stderr" && c.LogSink != "journal" {
		return fmt.Errorf("invalid log sink %q", c.LogSink)
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
