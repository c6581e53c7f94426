package session

import "errors"

var (
	// ErrInvalidCredentials is returned when the server rejects the identifier/secret pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshFailure is returned when the refresh exchange did not yield a usable access token.
	ErrRefreshFailure = errors.New("token refresh failed")
	// ErrSessionExpired is recorded on the session when it is logged out without the user asking.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidState means the operation does not apply to the current session state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrUnexpected covers transport faults and responses the client cannot interpret.
	ErrUnexpected = errors.New("unexpected server response")
)
