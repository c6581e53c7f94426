// Package session keeps a user's API credential alive: it performs the login
// handshake, renews the access token before it expires, decorates outgoing
// requests and ends the session when the credential can no longer be used.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Autopilot7/Startup-visualization-sub000/credential"
)

// Phase is the state of the current login attempt.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhaseAuthenticated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSubmitting:
		return "submitting"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the view of the session handed to subscribers.
type State struct {
	Authenticated bool
	ExpiresAt     time.Time

	// Err is the reason the session last ended without the user asking.
	Err error
}

type Options struct {
	Store     *credential.Store
	Handshake Handshake

	// APIURL is the base of the /refresh route.
	APIURL     string
	HTTPClient *http.Client

	Lifetime Lifetime

	// RefreshLead defaults to DefaultRefreshLead; a negative lead renews at expiry.
	RefreshLead time.Duration

	HTTPTimeout           time.Duration
	RefreshOnUnauthorized bool

	Reporter Reporter
	Logger   *slog.Logger
	Now      func() time.Time
}

// Session is the single owner of session state for one API.
type Session struct {
	store        *credential.Store
	handshake    Handshake
	refresher    *Refresher
	scheduler    *Scheduler
	lifetime     Lifetime
	refreshOn401 bool
	reporter     Reporter
	log          *slog.Logger
	now          func() time.Time

	unsubscribeStore func()

	mu      sync.Mutex
	phase   Phase
	lastErr error
	subs    map[int]func(State)
	nextID  int
}

func New(opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Reporter == nil {
		opts.Reporter = NopReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshLead == 0 {
		opts.RefreshLead = DefaultRefreshLead
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = DefaultHTTPTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.HTTPTimeout}
	}
	if opts.Lifetime.Logger == nil {
		opts.Lifetime.Logger = opts.Logger
	}

	s := &Session{
		store:        opts.Store,
		handshake:    opts.Handshake,
		lifetime:     opts.Lifetime,
		refreshOn401: opts.RefreshOnUnauthorized,
		reporter:     opts.Reporter,
		log:          opts.Logger.With(slog.String("component", "session")),
		now:          opts.Now,
		subs:         make(map[int]func(State)),
	}

	s.refresher = NewRefresher(opts.Store, opts.APIURL, opts.HTTPClient, opts.Lifetime, opts.HTTPTimeout)
	s.refresher.now = opts.Now
	s.refresher.OnPersistError = s.persistFailed

	s.scheduler = NewScheduler(opts.RefreshLead, opts.Now, s.renew, s.expired)
	s.unsubscribeStore = s.store.Subscribe(s.credentialChanged)

	return s, nil
}

// Close detaches the session from its store and cancels the pending timer.
func (s *Session) Close() {
	s.unsubscribeStore()
	s.scheduler.Disarm()
}

// Login runs the handshake and, on success, adopts the returned pair.
// A failed attempt leaves any stored credential untouched.
func (s *Session) Login(ctx context.Context, identifier, secret string) error {
	const op = "session.Login"

	if s.handshake == nil {
		return fmt.Errorf("%s: %w: no handshake configured", op, ErrInvalidState)
	}

	s.mu.Lock()
	if s.phase == PhaseSubmitting {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w: login already in progress", op, ErrInvalidState)
	}
	s.phase = PhaseSubmitting
	s.mu.Unlock()

	s.reporter.LoginSubmitting()

	pair, err := s.handshake.Exchange(ctx, identifier, secret)
	LoginsTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		s.setPhase(PhaseFailed)
		s.log.Warn("login failed", slog.String("op", op), slog.Any("error", err))
		s.reporter.LoginFailed(err)
		return fmt.Errorf("%s: %w", op, err)
	}

	c, err := s.adopt(ctx, pair.Access, pair.Refresh)
	if err != nil {
		s.setPhase(PhaseFailed)
		s.reporter.LoginFailed(err)
		return fmt.Errorf("%s: %w", op, err)
	}
	s.setPhase(PhaseAuthenticated)
	s.log.Info("logged in",
		slog.String("token", credential.Redact(c.AccessToken)),
		slog.Time("expires_at", c.ExpiresAt),
	)
	s.reporter.LoginSucceeded(c.ExpiresAt)
	return nil
}

// Adopt installs an externally obtained token pair as the session credential.
// refresh may be empty.
func (s *Session) Adopt(ctx context.Context, access, refresh string) error {
	if access == "" {
		return fmt.Errorf("session.Adopt: %w: access token is required", ErrInvalidState)
	}
	c, err := s.adopt(ctx, access, refresh)
	if err != nil {
		return fmt.Errorf("session.Adopt: %w", err)
	}
	s.setPhase(PhaseAuthenticated)
	s.reporter.LoginSucceeded(c.ExpiresAt)
	return nil
}

// adopt stores the pair. A pair that is already expired is refused with
// ErrSessionExpired and the held credential stays as it was.
func (s *Session) adopt(ctx context.Context, access, refresh string) (credential.Credential, error) {
	c := credential.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    s.lifetime.ExpiresAt(s.now(), access),
	}
	if !c.Valid(s.now()) {
		return c, fmt.Errorf("%w: credential expired on arrival", ErrSessionExpired)
	}

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	if err := s.store.Set(ctx, c); err != nil {
		s.persistFailed(err)
	}
	return c, nil
}

// Logout ends the session at the user's request.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.lastErr = nil
	s.phase = PhaseIdle
	s.mu.Unlock()

	err := s.store.Clear(ctx)
	if err != nil {
		s.log.Warn("logout could not delete persisted credential", slog.Any("error", err))
	}
	s.reporter.LoggedOut()
	return err
}

// Refresh renews the credential now. A failed exchange ends the session;
// ErrInvalidState does not, because another path already owns the state.
func (s *Session) Refresh(ctx context.Context) error {
	held, _ := s.store.Get()
	if _, err := s.refresh(ctx); err != nil {
		if !errors.Is(err, ErrInvalidState) && ctx.Err() == nil {
			s.expire(held, "refresh_failed", err)
		}
		return fmt.Errorf("session.Refresh: %w", err)
	}
	return nil
}

func (s *Session) refresh(ctx context.Context) (credential.Credential, error) {
	s.reporter.Refreshing()
	c, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.log.Warn("refresh failed", slog.Any("error", err))
		s.reporter.RefreshFailed(err)
		return credential.Credential{}, err
	}
	s.log.Debug("credential refreshed", slog.Time("expires_at", c.ExpiresAt))
	s.reporter.RefreshSucceeded(c.ExpiresAt)
	return c, nil
}

// Restore loads a persisted credential and reports whether the session is
// authenticated afterwards. An expired credential is refreshed when possible
// and otherwise ends the session.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	found, err := s.store.Rehydrate(ctx)
	if err != nil {
		s.log.Warn("could not load persisted credential", slog.Any("error", err))
		return false, fmt.Errorf("session.Restore: %w", err)
	}
	if !found {
		return false, nil
	}

	c, _ := s.store.Get()
	if c.Valid(s.now()) {
		s.setPhase(PhaseAuthenticated)
		s.scheduler.Arm(c)
		s.publish()
		return true, nil
	}

	if c.CanRefresh() {
		if _, err := s.refresh(ctx); err == nil {
			s.setPhase(PhaseAuthenticated)
			return true, nil
		}
	}
	s.expire(c, "expired", ErrSessionExpired)
	if s.Authenticated() {
		// another process sharing the backend had already renewed it
		s.setPhase(PhaseAuthenticated)
		return true, nil
	}
	return false, nil
}

// State derives the current view from the store.
func (s *Session) State() State {
	c, ok := s.store.Get()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{Err: s.lastErr}
	if ok && c.Valid(s.now()) {
		st.Authenticated = true
		st.ExpiresAt = c.ExpiresAt
	}
	return st
}

// Authenticated reports whether a credential is held and not yet expired.
func (s *Session) Authenticated() bool {
	c, ok := s.store.Get()
	return ok && c.Valid(s.now())
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Subscribe registers fn to receive the state after every change.
func (s *Session) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Transport returns a RoundTripper that authenticates requests through base.
func (s *Session) Transport(base http.RoundTripper) *Transport {
	return &Transport{
		Base:                  base,
		RefreshOnUnauthorized: s.refreshOn401,
		session:               s,
	}
}

// TokenSource exposes the current credential as an oauth2 token.
func (s *Session) TokenSource() oauth2.TokenSource {
	return tokenSource{s}
}

type tokenSource struct{ s *Session }

func (ts tokenSource) Token() (*oauth2.Token, error) {
	c, ok := ts.s.store.Get()
	if !ok {
		return nil, fmt.Errorf("%w: no credential held", ErrSessionExpired)
	}
	if !c.Valid(ts.s.now()) {
		return nil, fmt.Errorf("%w: credential expired at %s", ErrSessionExpired, c.ExpiresAt.Format(time.RFC3339))
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt,
	}, nil
}

// renew runs when the armed credential comes due.
func (s *Session) renew() {
	c, ok := s.store.Get()
	if !ok {
		return
	}
	if !c.CanRefresh() {
		s.expire(c, "expired", ErrSessionExpired)
		return
	}
	if _, err := s.refresh(context.Background()); err != nil && !errors.Is(err, ErrInvalidState) {
		s.expire(c, "refresh_failed", err)
	}
}

// expired runs when the scheduler is handed a credential past its expiry.
func (s *Session) expired() {
	c, ok := s.store.Get()
	if !ok || c.Valid(s.now()) {
		return
	}
	s.expire(c, "expired", ErrSessionExpired)
}

// expire ends the session held under c without the user asking. Nothing
// happens when c is no longer the held credential, nor when another process
// sharing the backend has persisted a newer one; that one is adopted.
func (s *Session) expire(c credential.Credential, reason string, cause error) {
	if c.AccessToken == "" {
		return
	}

	err := cause
	if !errors.Is(err, ErrSessionExpired) {
		err = fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	}

	// Set before clearing so subscribers notified by the clear see the reason.
	s.mu.Lock()
	prevErr := s.lastErr
	s.lastErr = err
	s.mu.Unlock()

	cleared, clearErr := s.store.ClearIf(context.Background(), c.AccessToken)
	if clearErr != nil {
		s.log.Warn("could not delete persisted credential", slog.Any("error", clearErr))
	}
	if !cleared {
		s.mu.Lock()
		if s.lastErr == err {
			s.lastErr = prevErr
		}
		s.mu.Unlock()
		s.log.Info("credential replaced before it could be ended", slog.String("reason", reason))
		s.publish()
		return
	}

	s.setPhase(PhaseIdle)
	ForcedLogoutsTotal.WithLabelValues(reason).Inc()
	s.log.Info("session ended", slog.String("reason", reason), slog.Any("error", cause))
	s.reporter.LoginRequired(err)
}

func (s *Session) persistFailed(err error) {
	s.log.Warn("credential kept in memory only", slog.Any("error", err))
	s.reporter.CredentialPersistFailed(err)
}

func (s *Session) credentialChanged(c *credential.Credential) {
	if c == nil {
		s.scheduler.Disarm()
	} else {
		s.scheduler.Arm(*c)
	}
	s.publish()
}

func (s *Session) publish() {
	st := s.State()

	s.mu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}
