package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/Autopilot7/Startup-visualization-sub000/credential"
)

const (
	testIdentifier = "founder@example.com"
	testSecret     = "hunter22"
)

// fakeAPI mimics the roster API's auth routes plus one protected resource.
type fakeAPI struct {
	srv *httptest.Server

	loginCalls    atomic.Int32
	refreshCalls  atomic.Int32
	resourceCalls atomic.Int32

	mu sync.Mutex
	// refreshStatus overrides the /refresh status when non-zero.
	refreshStatus int
	// refreshBody replaces the /refresh body when non-empty.
	refreshBody string
	// rotate includes a new refresh token in /refresh responses.
	rotate bool
	// gate, when set, holds /refresh until closed.
	gate chan struct{}
	// acceptAccess is the only bearer token /startups accepts; empty accepts any.
	acceptAccess string
	lastBodies   []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	a := &fakeAPI{}

	r := chi.NewRouter()
	r.Post("/login", a.login)
	r.Post("/refresh", a.refresh)
	r.Get("/startups", a.resource)
	r.Post("/startups", a.resource)

	a.srv = httptest.NewServer(r)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAPI) URL() string { return a.srv.URL }

func (a *fakeAPI) set(fn func(a *fakeAPI)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *fakeAPI) login(w http.ResponseWriter, r *http.Request) {
	a.loginCalls.Add(1)

	var req struct {
		Identifier string `json:"identifier"`
		Secret     string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad json"})
		return
	}
	if req.Identifier != testIdentifier || req.Secret != testSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "No active account found with the given credentials",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access": "access-1", "refresh": "refresh-1"})
}

func (a *fakeAPI) refresh(w http.ResponseWriter, r *http.Request) {
	n := a.refreshCalls.Add(1)

	a.mu.Lock()
	gate, status, body, rotate := a.gate, a.refreshStatus, a.refreshBody, a.rotate
	a.mu.Unlock()

	if gate != nil {
		<-gate
	}

	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "refresh required"})
		return
	}

	if status != 0 && status != http.StatusOK {
		writeJSON(w, status, map[string]string{"detail": "Token is invalid or expired"})
		return
	}
	if body != "" {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
		return
	}

	resp := map[string]string{"access": fmt.Sprintf("access-r%d", n)}
	if rotate {
		resp["refresh"] = fmt.Sprintf("refresh-r%d", n)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *fakeAPI) resource(w http.ResponseWriter, r *http.Request) {
	a.resourceCalls.Add(1)

	a.mu.Lock()
	accept := a.acceptAccess
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		a.lastBodies = append(a.lastBodies, string(b))
	}
	a.mu.Unlock()

	token := bearerToken(r)
	if token == "" || (accept != "" && token != accept) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type"})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]string{{"name": "Acme"}})
}

// recorder is a Reporter that remembers event names.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (r *recorder) add(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func (r *recorder) LoginSubmitting()                  { r.add("login_submitting", nil) }
func (r *recorder) LoginSucceeded(time.Time)          { r.add("login_succeeded", nil) }
func (r *recorder) LoginFailed(err error)             { r.add("login_failed", err) }
func (r *recorder) Refreshing()                       { r.add("refreshing", nil) }
func (r *recorder) RefreshSucceeded(time.Time)        { r.add("refresh_succeeded", nil) }
func (r *recorder) RefreshFailed(err error)           { r.add("refresh_failed", err) }
func (r *recorder) CredentialPersistFailed(err error) { r.add("persist_failed", err) }
func (r *recorder) RequestRejected()                  { r.add("request_rejected", nil) }
func (r *recorder) LoginRequired(err error)           { r.add("login_required", err) }
func (r *recorder) LoggedOut()                        { r.add("logged_out", nil) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	api      *fakeAPI
	store    *credential.Store
	backend  *credential.MemoryBackend
	reporter *recorder
	session  *Session
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	api := newFakeAPI(t)
	backend := credential.NewMemoryBackend()
	store := credential.NewStore(backend)
	rec := &recorder{}

	opts := Options{
		Store:     store,
		Handshake: NewDirectHandshake(api.URL(), nil),
		APIURL:    api.URL(),
		Reporter:  rec,
		Logger:    discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return &fixture{api: api, store: store, backend: backend, reporter: rec, session: s}
}

// testClock is a settable Now for Options.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
