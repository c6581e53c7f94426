package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/x/term"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Autopilot7/Startup-visualization-sub000/credential"
	"github.com/Autopilot7/Startup-visualization-sub000/roster"
	"github.com/Autopilot7/Startup-visualization-sub000/session"
	"github.com/Autopilot7/Startup-visualization-sub000/tui"
)

// errLoginRequired is returned by commands that need a session when none is held.
var errLoginRequired = errors.New("not logged in")

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, isTTY()))
}

// run executes one command and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer, tty bool) int {
	cfg, rest, err := loadConfig(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "Error: missing command (login, logout, status, get, watch)")
		return 2
	}
	cfg.warn(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, operands := rest[0], rest[1:]
	useTUI := tty && command == "watch"

	logOut, closeLog, err := openLogOutput(cfg, stderr, useTUI)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()
	level, _ := parseLevel(cfg.LogLevel)
	log := setupLogger(level, logOut)

	if useTUI {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := dispatch(ctx, cfg, d, log, command, operands, stdin, stdout, stderr)
		if runErr != nil && !errors.Is(runErr, errLoginRequired) {
			d.Fatal(runErr)
		}
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			return 1
		}
		return 0
	}

	d := tui.NewPlainDisplayer(stderr)
	if err := dispatch(ctx, cfg, d, log, command, operands, stdin, stdout, stderr); err != nil {
		if !errors.Is(err, errLoginRequired) {
			d.Fatal(err)
		}
		return 1
	}
	return 0
}

func openLogOutput(cfg *Config, stderr io.Writer, quiet bool) (io.Writer, func(), error) {
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, func() { f.Close() }, nil
	}
	if quiet {
		// Log lines would tear the TUI apart.
		return io.Discard, func() {}, nil
	}
	return stderr, func() {}, nil
}

func dispatch(
	ctx context.Context,
	cfg *Config,
	d tui.Displayer,
	log *slog.Logger,
	command string,
	operands []string,
	stdin io.Reader,
	stdout, stderr io.Writer,
) error {
	a, err := newApp(ctx, cfg, d, log)
	if err != nil {
		return err
	}
	defer a.close()

	switch command {
	case "login":
		return a.login(ctx, operands, stdin, stderr)
	case "logout":
		return a.logout(ctx)
	case "status":
		return a.status(ctx, stdout)
	case "get":
		return a.get(ctx, operands, stdout)
	case "watch":
		return a.watch(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// app wires one session to the configured store, handshake and transport.
type app struct {
	cfg      *Config
	d        tui.Displayer
	log      *slog.Logger
	base     *http.Transport
	backend  credential.Backend
	location string
	session  *session.Session
	closers  []func()
}

func newApp(ctx context.Context, cfg *Config, d tui.Displayer, log *slog.Logger) (*app, error) {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   false,
	}
	authClient := &http.Client{Transport: base, Timeout: cfg.HTTPTimeout}

	a := &app{cfg: cfg, d: d, log: log, base: base}

	key := credential.KeyForOrigin(cfg.APIURL)
	switch cfg.Store {
	case "redis":
		client, err := credential.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		a.backend = credential.NewRedisBackend(client, "", key, credential.DefaultRedisRetention)
		a.location = redisLocation(client)
	case "memory":
		a.backend = credential.NewMemoryBackend()
	default:
		a.backend = credential.NewFileBackend(cfg.TokenFile, key)
		a.location = cfg.TokenFile
	}

	var hs session.Handshake
	if cfg.Handshake == "server" {
		hs = session.NewServerHandshake(cfg.TokenURL, cfg.ClientID, authClient)
	} else {
		hs = session.NewDirectHandshake(cfg.APIURL, authClient)
	}

	s, err := session.New(session.Options{
		Store:      credential.NewStore(a.backend),
		Handshake:  hs,
		APIURL:     cfg.APIURL,
		HTTPClient: authClient,
		Lifetime: session.Lifetime{
			Duration:         cfg.TokenLifetime,
			TrustTokenExpiry: cfg.TrustTokenExpiry,
		},
		RefreshLead:           leadOption(cfg.RefreshLead),
		HTTPTimeout:           cfg.HTTPTimeout,
		RefreshOnUnauthorized: cfg.RefreshOn401,
		Reporter:              d,
		Logger:                log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.session = s
	a.closers = append(a.closers, s.Close)
	return a, nil
}

// leadOption maps a configured zero lead onto the session's "renew at expiry".
func leadOption(lead time.Duration) time.Duration {
	if lead == 0 {
		return -1
	}
	return lead
}

func redisLocation(client *redis.Client) string {
	return "redis://" + client.Options().Addr
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// restore loads the persisted session and reports it.
func (a *app) restore(ctx context.Context) error {
	ok, err := a.session.Restore(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if a.session.State().Err == nil {
			a.d.NoSession()
		}
		return errLoginRequired
	}
	a.d.SessionRestored(a.session.State().ExpiresAt)
	return nil
}

func (a *app) login(ctx context.Context, operands []string, stdin io.Reader, stderr io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	access := fs.String("access", "", "Adopt this access token instead of logging in")
	refresh := fs.String("refresh", "", "Refresh token to adopt with -access")
	if err := fs.Parse(operands); err != nil {
		return err
	}

	if *access != "" {
		if err := a.session.Adopt(ctx, *access, *refresh); err != nil {
			return err
		}
		a.reportSaved(ctx)
		return nil
	}

	identifier := a.cfg.Identifier
	if fs.NArg() > 0 {
		identifier = fs.Arg(0)
	}
	reader := bufio.NewReader(stdin)
	if identifier == "" {
		var err error
		if identifier, err = prompt(reader, stderr, "Identifier: "); err != nil {
			return err
		}
	}

	secret := a.cfg.Secret
	if secret == "" {
		var err error
		if secret, err = readSecret(reader, stdin, stderr); err != nil {
			return err
		}
	}

	if err := a.session.Login(ctx, identifier, secret); err != nil {
		// already reported through the displayer
		return errLoginRequired
	}
	a.reportSaved(ctx)
	return nil
}

func prompt(r *bufio.Reader, w io.Writer, label string) (string, error) {
	fmt.Fprint(w, label)
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(label), ": "), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecret reads the secret without echo when stdin is a terminal.
func readSecret(r *bufio.Reader, stdin io.Reader, w io.Writer) (string, error) {
	f, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(f.Fd()) {
		return prompt(r, w, "Secret: ")
	}

	fmt.Fprint(w, "Secret: ")
	secret, err := term.ReadPassword(f.Fd())
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(secret), nil
}

func (a *app) reportSaved(ctx context.Context) {
	if a.location == "" {
		return
	}
	if _, err := a.backend.Load(ctx); err == nil {
		a.d.CredentialSaved(a.location)
	}
}

func (a *app) logout(ctx context.Context) error {
	if _, err := a.session.Restore(ctx); err != nil {
		a.log.Warn("could not load session before logout", slog.Any("error", err))
	}
	return a.session.Logout(ctx)
}

func (a *app) status(ctx context.Context, stdout io.Writer) error {
	if err := a.restore(ctx); err != nil {
		fmt.Fprintln(stdout, "authenticated: false")
		return err
	}

	tok, err := a.session.TokenSource().Token()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, "authenticated: true")
	fmt.Fprintf(stdout, "token:         %s\n", credential.Redact(tok.AccessToken))
	fmt.Fprintf(stdout, "refreshable:   %t\n", tok.RefreshToken != "")
	fmt.Fprintf(stdout, "expires_at:    %s\n", tok.Expiry.Format(time.RFC3339))
	fmt.Fprintf(stdout, "expires_in:    %s\n", time.Until(tok.Expiry).Round(time.Second))
	return nil
}

func (a *app) apiClient() (*roster.Client, error) {
	return roster.New(a.cfg.APIURL, &http.Client{
		Transport: a.session.Transport(a.base),
		Timeout:   a.cfg.HTTPTimeout,
	})
}

func (a *app) get(ctx context.Context, operands []string, stdout io.Writer) error {
	if len(operands) == 0 || len(operands) > 2 {
		return errors.New("usage: roster get <startups|members|advisors> [id]")
	}
	resource, err := roster.ParseResource(operands[0])
	if err != nil {
		return err
	}
	id := 0
	if len(operands) == 2 {
		if id, err = strconv.Atoi(operands[1]); err != nil || id <= 0 {
			return fmt.Errorf("invalid id %q", operands[1])
		}
	}

	if err := a.restore(ctx); err != nil {
		return err
	}

	client, err := a.apiClient()
	if err != nil {
		return err
	}
	raw, err := client.Raw(ctx, resource, id)
	if err != nil {
		if roster.IsStatus(err, http.StatusUnauthorized) && !a.session.Authenticated() {
			return errLoginRequired
		}
		a.d.APICallFailed(err)
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(stdout)
	return err
}

// watch keeps the session alive until interrupted or until it ends on its own.
func (a *app) watch(ctx context.Context) error {
	ended := make(chan error, 1)
	unsubscribe := a.session.Subscribe(func(st session.State) {
		if st.Authenticated {
			return
		}
		select {
		case ended <- st.Err:
		default:
		}
	})
	defer unsubscribe()

	if err := a.restore(ctx); err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		stopMetrics := a.serveMetrics()
		defer stopMetrics()
	}

	var poll <-chan time.Time
	if a.cfg.WatchInterval > 0 {
		ticker := time.NewTicker(a.cfg.WatchInterval)
		defer ticker.Stop()
		poll = ticker.C
	}
	client, err := a.apiClient()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-ended:
			if reason == nil {
				return nil
			}
			return errLoginRequired
		case <-poll:
			page, err := client.ListStartups(ctx, roster.ListOptions{PageSize: 1})
			if err != nil {
				if a.session.Authenticated() {
					a.d.APICallFailed(err)
				}
				continue
			}
			a.d.APICallOK(fmt.Sprintf("%d startups on the roster", page.Count))
		}
	}
}

func (a *app) serveMetrics() (stop func()) {
	reg := prometheus.NewRegistry()
	session.RegisterCollectors(reg)
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
	a.log.Info("serving metrics", slog.String("addr", a.cfg.MetricsAddr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
