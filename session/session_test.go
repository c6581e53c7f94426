package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Autopilot7/Startup-visualization-sub000/credential"
)

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

// Login stores the pair and arms renewal.
func TestSession_Login(t *testing.T) {
	now := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, func(o *Options) {
		o.Now = func() time.Time { return now }
	})

	var states []State
	var mu sync.Mutex
	f.session.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, f.session.Login(context.Background(), testIdentifier, testSecret))

	c, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, credential.Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(DefaultTokenLifetime),
	}, c)

	assert.True(t, f.session.Authenticated())
	assert.Equal(t, PhaseAuthenticated, f.session.Phase())
	assert.True(t, f.session.scheduler.Armed())

	persisted, err := f.backend.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", persisted.AccessToken)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.True(t, states[len(states)-1].Authenticated)
	assert.Equal(t, []string{"login_submitting", "login_succeeded"}, f.reporter.events)
}

func TestSession_LoginFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.Adopt(context.Background(), "existing-access", "existing-refresh"))
	before, _ := f.store.Get()

	err := f.session.Login(context.Background(), testIdentifier, "wrong-secret")

	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, PhaseFailed, f.session.Phase())
	after, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, f.reporter.count("login_failed"))
}

func TestSession_LoginRequiresInputs(t *testing.T) {
	f := newFixture(t, nil)

	err := f.session.Login(context.Background(), "", "")

	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int32(0), f.api.loginCalls.Load())
}

type blockingHandshake struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingHandshake) Exchange(ctx context.Context, identifier, secret string) (TokenPair, error) {
	close(b.started)
	<-b.release
	return TokenPair{Access: "slow-access"}, nil
}

func TestSession_SecondLoginWhileSubmitting(t *testing.T) {
	hs := &blockingHandshake{started: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(o *Options) { o.Handshake = hs })

	done := make(chan error, 1)
	go func() { done <- f.session.Login(context.Background(), "a", "b") }()
	<-hs.started

	assert.Equal(t, PhaseSubmitting, f.session.Phase())
	err := f.session.Login(context.Background(), "a", "b")
	require.ErrorIs(t, err, ErrInvalidState)

	close(hs.release)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseAuthenticated, f.session.Phase())
}

func TestSession_Logout(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.Login(context.Background(), testIdentifier, testSecret))

	require.NoError(t, f.session.Logout(context.Background()))

	st := f.session.State()
	assert.False(t, st.Authenticated)
	assert.NoError(t, st.Err)
	assert.False(t, f.session.scheduler.Armed())
	_, err := f.backend.Load(context.Background())
	assert.ErrorIs(t, err, credential.ErrNotFound)
	assert.Equal(t, 1, f.reporter.count("logged_out"))
	assert.Equal(t, 0, f.reporter.count("login_required"))
}

func TestSession_ExpiredCredentialLogsOutSynchronously(t *testing.T) {
	f := newFixture(t, nil)
	before := testutil.ToFloat64(ForcedLogoutsTotal.WithLabelValues("expired"))

	err := f.store.Set(context.Background(), credential.Credential{
		AccessToken:  "stale",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	// No waiting: the logout has already happened when Set returns.
	st := f.session.State()
	assert.False(t, st.Authenticated)
	assert.ErrorIs(t, st.Err, ErrSessionExpired)
	assert.Equal(t, 1, f.reporter.count("login_required"))
	assert.Equal(t, before+1, testutil.ToFloat64(ForcedLogoutsTotal.WithLabelValues("expired")))
}

func TestSession_AdoptExpiredToken(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Lifetime = Lifetime{TrustTokenExpiry: true}
	})

	err := f.session.Adopt(context.Background(), signedToken(t, time.Now().Add(-time.Minute)), "")

	require.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, f.session.Authenticated())
}

func TestSession_AdoptRequiresAccess(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.session.Adopt(context.Background(), "", "r"), ErrInvalidState)
}

// Renewal fires shortly before expiry and installs the new access token.
func TestSession_ScheduledRefresh(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Lifetime = Lifetime{Duration: 200 * time.Millisecond}
		o.RefreshLead = 150 * time.Millisecond
	})
	require.NoError(t, f.session.Login(context.Background(), testIdentifier, testSecret))

	require.Eventually(t, func() bool {
		c, _ := f.store.Get()
		return c.AccessToken != "access-1"
	}, 2*time.Second, 10*time.Millisecond)

	c, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, "refresh-1", c.RefreshToken)
	assert.True(t, f.session.Authenticated())
	assert.GreaterOrEqual(t, f.reporter.count("refresh_succeeded"), 1)
}

// A failed scheduled refresh ends the session.
func TestSession_ScheduledRefreshFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Lifetime = Lifetime{Duration: 200 * time.Millisecond}
		o.RefreshLead = 150 * time.Millisecond
	})
	f.api.set(func(a *fakeAPI) { a.refreshStatus = http.StatusUnauthorized })
	before := testutil.ToFloat64(ForcedLogoutsTotal.WithLabelValues("refresh_failed"))

	require.NoError(t, f.session.Login(context.Background(), testIdentifier, testSecret))

	require.Eventually(t, func() bool { return !f.session.Authenticated() }, 2*time.Second, 10*time.Millisecond)
	err := f.session.State().Err
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, ErrRefreshFailure)
	assert.Equal(t, before+1, testutil.ToFloat64(ForcedLogoutsTotal.WithLabelValues("refresh_failed")))
}

// Without a refresh token the session simply ends at expiry.
func TestSession_ExpiryWithoutRefreshToken(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Lifetime = Lifetime{Duration: 50 * time.Millisecond}
	})
	require.NoError(t, f.session.Adopt(context.Background(), "access-only", ""))

	require.Eventually(t, func() bool { return !f.session.Authenticated() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.session.State().Err, ErrSessionExpired)
	assert.Equal(t, int32(0), f.api.refreshCalls.Load())
}

func TestSession_ManualRefresh(t *testing.T) {
	f := newFixture(t, nil)

	err := f.session.Refresh(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, f.reporter.count("login_required"), "an invalid state never forces logout")

	require.NoError(t, f.session.Login(context.Background(), testIdentifier, testSecret))
	require.NoError(t, f.session.Refresh(context.Background()))

	c, _ := f.store.Get()
	assert.Equal(t, "access-r1", c.AccessToken)
}

func TestSession_Restore(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		persisted   *credential.Credential
		wantAuth    bool
		wantRefresh int32
		wantErr     error
	}{
		{"nothing persisted", nil, false, 0, nil},
		{"valid", &credential.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}, true, 0, nil},
		{"expired with refresh token", &credential.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Hour)}, true, 1, nil},
		{"expired without refresh token", &credential.Credential{AccessToken: "a", ExpiresAt: time.Now().Add(-time.Hour)}, false, 0, ErrSessionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.persisted != nil {
				require.NoError(t, f.backend.Save(ctx, tt.persisted))
			}

			ok, err := f.session.Restore(ctx)
			require.NoError(t, err)

			assert.Equal(t, tt.wantAuth, ok)
			assert.Equal(t, tt.wantAuth, f.session.Authenticated())
			assert.Equal(t, tt.wantRefresh, f.api.refreshCalls.Load())
			assert.Equal(t, tt.wantAuth, f.session.scheduler.Armed())
			if tt.wantErr != nil {
				assert.ErrorIs(t, f.session.State().Err, tt.wantErr)
			}
		})
	}
}

func TestSession_PersistFailureIsAWarning(t *testing.T) {
	api := newFakeAPI(t)
	rec := &recorder{}
	s, err := New(Options{
		Store:     credential.NewStore(brokenBackend{}),
		Handshake: NewDirectHandshake(api.URL(), nil),
		APIURL:    api.URL(),
		Reporter:  rec,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Login(context.Background(), testIdentifier, testSecret))

	assert.True(t, s.Authenticated())
	assert.Equal(t, 1, rec.count("persist_failed"))
}

func TestSession_TokenSource(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.session.TokenSource().Token()
	require.ErrorIs(t, err, ErrSessionExpired)

	require.NoError(t, f.session.Login(context.Background(), testIdentifier, testSecret))
	tok, err := f.session.TokenSource().Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
	assert.True(t, tok.Valid())
}

func TestSession_LoginMetrics(t *testing.T) {
	f := newFixture(t, nil)
	success := testutil.ToFloat64(LoginsTotal.WithLabelValues("success"))
	rejected := testutil.ToFloat64(LoginsTotal.WithLabelValues("invalid_credentials"))

	require.NoError(t, f.session.Login(context.Background(), testIdentifier, testSecret))
	err := f.session.Login(context.Background(), testIdentifier, "bad")
	require.True(t, errors.Is(err, ErrInvalidCredentials))

	assert.Equal(t, success+1, testutil.ToFloat64(LoginsTotal.WithLabelValues("success")))
	assert.Equal(t, rejected+1, testutil.ToFloat64(LoginsTotal.WithLabelValues("invalid_credentials")))
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "submitting", PhaseSubmitting.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}

// The clock alone decides authentication; the scheduler does not need to have fired.
func TestSession_ClockPastExpiryIsNotAuthenticated(t *testing.T) {
	clock := &testClock{now: time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, func(o *Options) { o.Now = clock.Now })
	require.NoError(t, f.session.Login(context.Background(), testIdentifier, testSecret))
	require.True(t, f.session.Authenticated())

	clock.Advance(DefaultTokenLifetime + time.Second)

	assert.False(t, f.session.Authenticated())
	st := f.session.State()
	assert.False(t, st.Authenticated)
	assert.True(t, st.ExpiresAt.IsZero())

	_, err := f.session.TokenSource().Token()
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSession_AdoptExpiredKeepsPriorCredential(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Lifetime = Lifetime{TrustTokenExpiry: true}
	})
	ctx := context.Background()
	live := signedToken(t, time.Now().Add(30*time.Minute))
	require.NoError(t, f.session.Adopt(ctx, live, "live-refresh"))
	before, _ := f.store.Get()

	err := f.session.Adopt(ctx, signedToken(t, time.Now().Add(-time.Minute)), "")

	require.ErrorIs(t, err, ErrSessionExpired)
	after, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, before, after)
	persisted, err := f.backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, live, persisted.AccessToken)
	assert.True(t, f.session.Authenticated())
	assert.NoError(t, f.session.State().Err)
	assert.True(t, f.session.scheduler.Armed())
	assert.Equal(t, 0, f.reporter.count("login_required"))
}

func validCredential(access string) credential.Credential {
	return credential.Credential{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

// A clear whose notification is still in flight when a new credential lands
// must not leave the scheduler disarmed.
func TestSession_ClearRacingSetKeepsSchedulerArmed(t *testing.T) {
	ctx := context.Background()
	store := credential.NewStore(nil)

	// Subscribed ahead of the session, so it holds up the clear notification
	// before the session sees it.
	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.Subscribe(func(c *credential.Credential) {
		if c == nil {
			once.Do(func() {
				close(blocked)
				<-release
			})
		}
	})

	f := newFixture(t, func(o *Options) { o.Store = store })
	require.NoError(t, store.Set(ctx, validCredential("first")))

	cleared := make(chan error, 1)
	go func() { cleared <- store.Clear(ctx) }()
	<-blocked

	require.NoError(t, store.Set(ctx, validCredential("second")))
	close(release)
	require.NoError(t, <-cleared)

	c, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, "second", c.AccessToken)
	assert.True(t, f.session.scheduler.Armed())
	assert.True(t, f.session.State().Authenticated)
}

func TestSession_ConcurrentClearAndSetMatchScheduler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.store.Clear(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = f.store.Set(ctx, validCredential("survivor"))
		}()
		wg.Wait()

		_, held := f.store.Get()
		require.Equal(t, held, f.session.scheduler.Armed(), "round %d", i)
		require.Equal(t, held, f.session.Authenticated(), "round %d", i)
	}
}

// Another process sharing the backend renewed first; its credential is taken
// over instead of spending the now rotated refresh token.
func TestSession_RefreshAfterBackendRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.session.Login(ctx, testIdentifier, testSecret))

	other := credential.NewStore(f.backend)
	require.NoError(t, other.Set(ctx, validCredential("access-x")))

	require.NoError(t, f.session.Refresh(ctx))

	assert.Equal(t, int32(0), f.api.refreshCalls.Load())
	c, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, "access-x", c.AccessToken)
	assert.True(t, f.session.scheduler.Armed())
}

// A refresh that fails after another process persisted a fresh credential
// must not delete that credential nor force a login.
func TestSession_FailedRefreshKeepsOtherWritersCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.session.Login(ctx, testIdentifier, testSecret))

	gate := make(chan struct{})
	f.api.set(func(a *fakeAPI) {
		a.gate = gate
		a.refreshStatus = http.StatusUnauthorized
	})

	done := make(chan error, 1)
	go func() { done <- f.session.Refresh(ctx) }()
	require.Eventually(t, func() bool { return f.api.refreshCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	other := credential.NewStore(f.backend)
	require.NoError(t, other.Set(ctx, validCredential("access-x")))
	close(gate)

	require.ErrorIs(t, <-done, ErrRefreshFailure)

	assert.Equal(t, 0, f.reporter.count("login_required"))
	persisted, err := f.backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-x", persisted.AccessToken)

	c, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, "access-x", c.AccessToken)
	assert.True(t, f.session.Authenticated())
	assert.NoError(t, f.session.State().Err)
}
