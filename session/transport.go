package session

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Transport decorates outgoing requests with the session's bearer token and
// ends the session when the server rejects a current token.
type Transport struct {
	Base http.RoundTripper

	// RefreshOnUnauthorized makes a 401 trigger one refresh and one replay
	// of the request before the session is ended.
	RefreshOnUnauthorized bool

	session *Session
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	// An expired access token is never sent, even before the scheduler ends it.
	if c, ok := t.session.store.Get(); ok && c.Valid(t.session.now()) && out.Header.Get("Authorization") == "" {
		out.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	if out.Header.Get("X-Request-Id") == "" {
		out.Header.Set("X-Request-Id", uuid.NewString())
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	sent := bearerToken(out)
	current, ok := t.session.store.Get()
	if sent == "" || !ok || current.AccessToken != sent {
		// The token was already replaced or dropped by another path.
		return resp, nil
	}

	t.session.reporter.RequestRejected()
	t.session.log.Info("request rejected with current token",
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", out.Header.Get("X-Request-Id"),
	)

	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	if !t.RefreshOnUnauthorized || !replayable || !current.CanRefresh() {
		t.session.expire(current, "unauthorized", ErrSessionExpired)
		return resp, nil
	}

	renewed, err := t.session.refresh(req.Context())
	if err != nil {
		if !errors.Is(err, ErrInvalidState) {
			t.session.expire(current, "refresh_failed", err)
		}
		return resp, nil
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+renewed.AccessToken)
	retry.Header.Set("X-Request-Id", out.Header.Get("X-Request-Id"))

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp, err = t.base().RoundTrip(retry)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		t.session.expire(renewed, "unauthorized", ErrSessionExpired)
	}
	return resp, err
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
