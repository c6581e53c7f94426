package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all user-facing output of the session lifecycle.
// It also satisfies session.Reporter.
type Displayer interface {
	Banner()
	SessionRestored(expiresAt time.Time)
	NoSession()
	LoginSubmitting()
	LoginSucceeded(expiresAt time.Time)
	LoginFailed(err error)
	Refreshing()
	RefreshSucceeded(expiresAt time.Time)
	RefreshFailed(err error)
	CredentialSaved(location string)
	CredentialPersistFailed(err error)
	RequestRejected()
	LoginRequired(reason error)
	LoggedOut()
	APICallOK(summary string)
	APICallFailed(err error)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Roster session ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionRestored(expiresAt time.Time) {
	fmt.Fprintf(p.w, "Existing session restored, expires in %s\n", formatDuration(time.Until(expiresAt)))
}

func (p *PlainDisplayer) NoSession() {
	fmt.Fprintln(p.w, "No active session. Run `roster login` to sign in.")
}

func (p *PlainDisplayer) LoginSubmitting() {
	fmt.Fprintln(p.w, "Logging in...")
}

func (p *PlainDisplayer) LoginSucceeded(expiresAt time.Time) {
	fmt.Fprintf(p.w, "Logged in, session expires at %s\n", expiresAt.Local().Format(time.Kitchen))
}

func (p *PlainDisplayer) LoginFailed(err error) {
	fmt.Fprintf(p.w, "Login failed: %v\n", err)
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshSucceeded(expiresAt time.Time) {
	fmt.Fprintf(p.w, "Token refreshed, expires at %s\n", expiresAt.Local().Format(time.Kitchen))
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) CredentialSaved(location string) {
	fmt.Fprintf(p.w, "Session saved to %s\n", location)
}

func (p *PlainDisplayer) CredentialPersistFailed(err error) {
	fmt.Fprintf(p.w, "Warning: session kept in memory only: %v\n", err)
}

func (p *PlainDisplayer) RequestRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401)")
}

func (p *PlainDisplayer) LoginRequired(reason error) {
	fmt.Fprintf(p.w, "Session ended: %v\n", reason)
	fmt.Fprintln(p.w, "Run `roster login` to sign in again.")
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out.")
}

func (p *PlainDisplayer) APICallOK(summary string) {
	fmt.Fprintf(p.w, "API call successful: %s\n", summary)
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                         {}
func (NoopDisplayer) SessionRestored(_ time.Time)     {}
func (NoopDisplayer) NoSession()                      {}
func (NoopDisplayer) LoginSubmitting()                {}
func (NoopDisplayer) LoginSucceeded(_ time.Time)      {}
func (NoopDisplayer) LoginFailed(_ error)             {}
func (NoopDisplayer) Refreshing()                     {}
func (NoopDisplayer) RefreshSucceeded(_ time.Time)    {}
func (NoopDisplayer) RefreshFailed(_ error)           {}
func (NoopDisplayer) CredentialSaved(_ string)        {}
func (NoopDisplayer) CredentialPersistFailed(_ error) {}
func (NoopDisplayer) RequestRejected()                {}
func (NoopDisplayer) LoginRequired(_ error)           {}
func (NoopDisplayer) LoggedOut()                      {}
func (NoopDisplayer) APICallOK(_ string)              {}
func (NoopDisplayer) APICallFailed(_ error)           {}
func (NoopDisplayer) Fatal(_ error)                   {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionRestored(expiresAt time.Time) {
	t.p.Send(MsgSessionRestored{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) NoSession() {
	t.p.Send(MsgNoSession{})
}

func (t *ProgramDisplayer) LoginSubmitting() {
	t.p.Send(MsgLoginSubmitting{})
}

func (t *ProgramDisplayer) LoginSucceeded(expiresAt time.Time) {
	t.p.Send(MsgLoginSucceeded{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshSucceeded(expiresAt time.Time) {
	t.p.Send(MsgRefreshSucceeded{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) CredentialSaved(location string) {
	t.p.Send(MsgCredentialSaved{Location: location})
}

func (t *ProgramDisplayer) CredentialPersistFailed(err error) {
	t.p.Send(MsgCredentialPersistFailed{Err: err})
}

func (t *ProgramDisplayer) RequestRejected() {
	t.p.Send(MsgRequestRejected{})
}

func (t *ProgramDisplayer) LoginRequired(reason error) {
	t.p.Send(MsgLoginRequired{Reason: reason})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) APICallOK(summary string) {
	t.p.Send(MsgAPICallOK{Summary: summary})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
