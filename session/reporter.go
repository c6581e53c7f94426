package session

import "time"

// Reporter receives user-facing session events. Implementations must not
// block and must not call back into the Session.
type Reporter interface {
	LoginSubmitting()
	LoginSucceeded(expiresAt time.Time)
	LoginFailed(err error)
	Refreshing()
	RefreshSucceeded(expiresAt time.Time)
	RefreshFailed(err error)
	CredentialPersistFailed(err error)
	RequestRejected()
	LoginRequired(reason error)
	LoggedOut()
}

// NopReporter discards every event.
type NopReporter struct{}

func (NopReporter) LoginSubmitting()              {}
func (NopReporter) LoginSucceeded(time.Time)      {}
func (NopReporter) LoginFailed(error)             {}
func (NopReporter) Refreshing()                   {}
func (NopReporter) RefreshSucceeded(time.Time)    {}
func (NopReporter) RefreshFailed(error)           {}
func (NopReporter) CredentialPersistFailed(error) {}
func (NopReporter) RequestRejected()              {}
func (NopReporter) LoginRequired(error)           {}
func (NopReporter) LoggedOut()                    {}
