package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config holds everything the CLI needs. Priority: flag > env > default.
type Config struct {
	APIURL    string `env:"ROSTER_API_URL" envDefault:"http://localhost:8000"`
	TokenURL  string `env:"ROSTER_TOKEN_URL"`
	ClientID  string `env:"ROSTER_CLIENT_ID"`
	Handshake string `env:"ROSTER_HANDSHAKE" envDefault:"direct"`

	Store     string `env:"ROSTER_STORE" envDefault:"file"`
	TokenFile string `env:"ROSTER_TOKEN_FILE" envDefault:".roster-session.json"`
	RedisURL  string `env:"ROSTER_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	TokenLifetime    time.Duration `env:"ROSTER_TOKEN_LIFETIME" envDefault:"1h"`
	TrustTokenExpiry bool          `env:"ROSTER_TRUST_TOKEN_EXP" envDefault:"false"`
	RefreshLead      time.Duration `env:"ROSTER_REFRESH_LEAD" envDefault:"30s"`
	HTTPTimeout      time.Duration `env:"ROSTER_HTTP_TIMEOUT" envDefault:"10s"`
	RefreshOn401     bool          `env:"ROSTER_REFRESH_ON_401" envDefault:"false"`

	Identifier    string        `env:"ROSTER_IDENTIFIER"`
	Secret        string        `env:"ROSTER_SECRET"` // env only, never a flag
	WatchInterval time.Duration `env:"ROSTER_WATCH_INTERVAL" envDefault:"0s"`

	LogLevel    string `env:"ROSTER_LOG_LEVEL" envDefault:"warn"`
	LogFile     string `env:"ROSTER_LOG_FILE"`
	MetricsAddr string `env:"ROSTER_METRICS_ADDR"`
}

// loadConfig parses the environment, then global flags from args.
// It returns the remaining arguments (command and its operands).
func loadConfig(args []string, output io.Writer) (*Config, []string, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, nil, fmt.Errorf("parse environment: %w", err)
	}

	// Flag defaults are the env-derived values, so a flag only wins when given.
	fs := flag.NewFlagSet("roster", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { usage(fs) }

	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "Roster API base URL (or ROSTER_API_URL)")
	fs.StringVar(&cfg.TokenURL, "token-url", cfg.TokenURL, "Token route for -handshake=server (default: <api-url>/api/auth/token)")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "OAuth client ID sent with -handshake=server")
	fs.StringVar(&cfg.Handshake, "handshake", cfg.Handshake, "Login handshake: direct or server")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Credential store: file, redis or memory")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "Session file for -store=file")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for -store=redis")
	fs.DurationVar(&cfg.TokenLifetime, "token-lifetime", cfg.TokenLifetime, "How long an issued access token is trusted")
	fs.BoolVar(&cfg.TrustTokenExpiry, "trust-token-exp", cfg.TrustTokenExpiry, "Expire earlier when the token's exp claim says so")
	fs.DurationVar(&cfg.RefreshLead, "refresh-lead", cfg.RefreshLead, "Renew this long before expiry")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Timeout for every API call")
	fs.BoolVar(&cfg.RefreshOn401, "refresh-on-401", cfg.RefreshOn401, "Refresh and replay once when a request is rejected")
	fs.StringVar(&cfg.Identifier, "identifier", cfg.Identifier, "Login identifier (or ROSTER_IDENTIFIER)")
	fs.DurationVar(&cfg.WatchInterval, "interval", cfg.WatchInterval, "watch: poll the API this often (0 = never)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Write logs to this file instead of stderr")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "watch: serve Prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.TokenURL == "" {
		cfg.TokenURL = cfg.APIURL + "/api/auth/token"
	}

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "Usage: roster [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  login [identifier]        sign in (secret from ROSTER_SECRET or stdin)")
	fmt.Fprintln(out, "  login -access T [-refresh R]  adopt an existing token pair")
	fmt.Fprintln(out, "  logout                    end the session")
	fmt.Fprintln(out, "  status                    show the session state")
	fmt.Fprintln(out, "  get <resource> [id]       fetch startups, members or advisors")
	fmt.Fprintln(out, "  watch                     keep the session alive and show its state")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	fs.PrintDefaults()
}

func (c *Config) validate() error {
	if err := validateServerURL(c.APIURL); err != nil {
		return fmt.Errorf("invalid ROSTER_API_URL: %w", err)
	}

	switch c.Handshake {
	case "direct":
	case "server":
		if err := validateServerURL(c.TokenURL); err != nil {
			return fmt.Errorf("invalid ROSTER_TOKEN_URL: %w", err)
		}
	default:
		return fmt.Errorf("unknown handshake %q (want direct or server)", c.Handshake)
	}

	switch c.Store {
	case "file":
		if c.TokenFile == "" {
			return errors.New("token file cannot be empty")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store %q (want file, redis or memory)", c.Store)
	}

	if c.TokenLifetime <= 0 {
		return fmt.Errorf("token lifetime must be positive, got: %s", c.TokenLifetime)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive, got: %s", c.HTTPTimeout)
	}
	if c.RefreshLead < 0 || c.RefreshLead >= c.TokenLifetime {
		return fmt.Errorf("refresh lead must be in [0, token lifetime), got: %s", c.RefreshLead)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// warn prints non-fatal configuration warnings.
func (c *Config) warn(w io.Writer) {
	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(c.APIURL), "http://") {
		fmt.Fprintln(
			w,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Credentials will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			w,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(w)
	}

	if c.Handshake == "server" && c.ClientID != "" {
		if _, err := uuid.Parse(c.ClientID); err != nil {
			fmt.Fprintf(
				w,
				"⚠️  Warning: ROSTER_CLIENT_ID doesn't appear to be a valid UUID: %s\n",
				c.ClientID,
			)
			fmt.Fprintln(w)
		}
	}
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// setupLogger builds the process logger. Logs never go to stdout, which
// carries command output.
func setupLogger(level slog.Level, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
