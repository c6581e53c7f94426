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

	"golang.org/x/oauth2"
)

// TokenPair is what a successful handshake yields. Refresh may be empty.
type TokenPair struct {
	Access  string
	Refresh string
}

// Handshake exchanges a user identifier and secret for a token pair.
// Failed exchanges are never retried.
type Handshake interface {
	Exchange(ctx context.Context, identifier, secret string) (TokenPair, error)
}

func checkInputs(identifier, secret string) error {
	if strings.TrimSpace(identifier) == "" || secret == "" {
		return fmt.Errorf("%w: identifier and secret are required", ErrInvalidState)
	}
	return nil
}

// DirectHandshake posts the credentials to the API's /login route.
type DirectHandshake struct {
	endpoint string
	client   *http.Client
}

func NewDirectHandshake(apiURL string, client *http.Client) *DirectHandshake {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &DirectHandshake{
		endpoint: strings.TrimRight(apiURL, "/") + "/login",
		client:   client,
	}
}

type errorDetail struct {
	Detail string `json:"detail"`
}

func (h *DirectHandshake) Exchange(ctx context.Context, identifier, secret string) (TokenPair, error) {
	if err := checkInputs(identifier, secret); err != nil {
		return TokenPair{}, err
	}

	payload, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"secret":     secret,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: encode request: %v", ErrUnexpected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: create request: %v", ErrUnexpected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: login request failed: %v", ErrUnexpected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: read response: %v", ErrUnexpected, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		detail := "credentials rejected"
		var d errorDetail
		if json.Unmarshal(body, &d) == nil && d.Detail != "" {
			detail = d.Detail
		}
		return TokenPair{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, detail)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return TokenPair{}, fmt.Errorf("%w: login failed with status %d", ErrUnexpected, resp.StatusCode)
	}

	tr, err := decodeTokenResponse(body)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
	return TokenPair{Access: tr.Access, Refresh: tr.Refresh}, nil
}

// ServerHandshake lets the application server's token route mint the pair,
// using the OAuth2 resource owner password grant.
type ServerHandshake struct {
	config *oauth2.Config
	client *http.Client
}

func NewServerHandshake(tokenURL, clientID string, client *http.Client) *ServerHandshake {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &ServerHandshake{
		config: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
	}
}

func (h *ServerHandshake) Exchange(ctx context.Context, identifier, secret string) (TokenPair, error) {
	if err := checkInputs(identifier, secret); err != nil {
		return TokenPair{}, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)
	token, err := h.config.PasswordCredentialsToken(ctx, identifier, secret)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && rejectedCredentials(retrieveErr) {
			detail := retrieveErr.ErrorDescription
			if detail == "" {
				detail = "credentials rejected"
			}
			return TokenPair{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, detail)
		}
		return TokenPair{}, fmt.Errorf("%w: token request failed: %v", ErrUnexpected, err)
	}

	return TokenPair{Access: token.AccessToken, Refresh: token.RefreshToken}, nil
}

func rejectedCredentials(e *oauth2.RetrieveError) bool {
	if e.ErrorCode == "invalid_grant" {
		return true
	}
	return e.Response != nil && e.Response.StatusCode == http.StatusUnauthorized
}
