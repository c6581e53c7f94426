package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Autopilot7/Startup-visualization-sub000/credential"
)

// DefaultHTTPTimeout bounds every handshake and refresh exchange.
const DefaultHTTPTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

// tokenResponse is the body shared by /login and /refresh.
type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Refresher exchanges the stored refresh token for a new access token.
// Concurrent callers share one in-flight exchange.
type Refresher struct {
	store    *credential.Store
	client   *http.Client
	endpoint string
	lifetime Lifetime
	timeout  time.Duration
	now      func() time.Time

	// OnPersistError is called when the refreshed credential could not be
	// written to the store backend. The in-memory credential is still updated.
	OnPersistError func(error)

	group singleflight.Group
}

// NewRefresher returns a refresher posting to <apiURL>/refresh.
func NewRefresher(store *credential.Store, apiURL string, client *http.Client, lifetime Lifetime, timeout time.Duration) *Refresher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Refresher{
		store:    store,
		client:   client,
		endpoint: strings.TrimRight(apiURL, "/") + "/refresh",
		lifetime: lifetime,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Refresh renews the stored credential and returns the new one. A newer
// credential found in the backend is returned as is, without an exchange.
//
// It fails with ErrInvalidState, without touching the network, when no refresh
// token is held, and also when the stored credential was replaced or cleared
// while the exchange was in flight; in that case nothing is written.
// Any other failure is ErrRefreshFailure.
func (r *Refresher) Refresh(ctx context.Context) (credential.Credential, error) {
	ch := r.group.DoChan("refresh", func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		c, err := r.refresh(flightCtx)
		RefreshesTotal.WithLabelValues(outcome(err)).Inc()
		return c, err
	})

	select {
	case <-ctx.Done():
		return credential.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return credential.Credential{}, res.Err
		}
		return res.Val.(credential.Credential), nil
	}
}

func (r *Refresher) refresh(ctx context.Context) (credential.Credential, error) {
	held, _ := r.store.Get()

	// The backend may be shared with other processes; never spend a refresh
	// token one of them has already rotated.
	current, ok := r.store.Sync(ctx)
	if !ok || current.RefreshToken == "" {
		return credential.Credential{}, fmt.Errorf("%w: no refresh token held", ErrInvalidState)
	}
	if current.AccessToken != held.AccessToken && current.Valid(r.now()) {
		return current, nil
	}

	tr, err := r.exchange(ctx, current.RefreshToken)
	if err != nil {
		return credential.Credential{}, err
	}

	next := credential.Credential{
		AccessToken:  tr.Access,
		RefreshToken: tr.Refresh,
		ExpiresAt:    r.lifetime.ExpiresAt(r.now(), tr.Access),
	}
	// Servers that do not rotate refresh tokens omit the field.
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	swapped, err := r.store.Swap(ctx, current.RefreshToken, next)
	if !swapped {
		return credential.Credential{}, fmt.Errorf("%w: credential changed during refresh", ErrInvalidState)
	}
	if err != nil && r.OnPersistError != nil {
		r.OnPersistError(err)
	}
	return next, nil
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	payload, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrRefreshFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrRefreshFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRefreshFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrRefreshFailure, resp.StatusCode)
	}

	tr, err := decodeTokenResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailure, err)
	}
	return tr, nil
}

// decodeTokenResponse never trusts the body shape: anything without a string
// access token is an error.
func decodeTokenResponse(body []byte) (*tokenResponse, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty response body")
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("malformed response body: %w", err)
	}
	if tr.Access == "" {
		return nil, errors.New("response missing access token")
	}
	return &tr, nil
}
