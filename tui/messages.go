package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionRestored signals that a persisted credential was loaded and is usable.
type MsgSessionRestored struct{ ExpiresAt time.Time }

// MsgNoSession signals that no usable credential was found.
type MsgNoSession struct{}

// MsgLoginSubmitting signals that the login handshake is in progress.
type MsgLoginSubmitting struct{}

// MsgLoginSucceeded signals that a credential was issued.
type MsgLoginSucceeded struct{ ExpiresAt time.Time }

// MsgLoginFailed signals that the handshake was rejected or failed.
type MsgLoginFailed struct{ Err error }

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshSucceeded signals that the access token was renewed.
type MsgRefreshSucceeded struct{ ExpiresAt time.Time }

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgCredentialSaved signals where the credential was persisted.
type MsgCredentialSaved struct{ Location string }

// MsgCredentialPersistFailed signals that the credential is held in memory only.
type MsgCredentialPersistFailed struct{ Err error }

// MsgRequestRejected signals that the API answered 401 to the current token.
type MsgRequestRejected struct{}

// MsgLoginRequired signals that the session ended and the user must log in again.
type MsgLoginRequired struct{ Reason error }

// MsgLoggedOut signals that the user ended the session.
type MsgLoggedOut struct{}

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct{ Summary string }

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
