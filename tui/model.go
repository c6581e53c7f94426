package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the expiry countdown.
type tickMsg time.Time

// state represents what the session is doing, as far as the screen is concerned.
type state int

const (
	stateInit          state = iota
	stateSubmitting          // login handshake in flight
	stateRefreshing          // renewing the access token
	stateActive              // authenticated, counting down to expiry
	stateLoginRequired       // session ended without the user asking
	stateLoggedOut           // user ended the session
	stateError               // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	at   time.Time
	kind statusKind
	text string
}

// maxStatusLines bounds the log kept by a long-running watch.
const maxStatusLines = 12

// Model is the BubbleTea model for the session dashboard.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int
	now     func() time.Time

	expiresAt time.Time
	remaining time.Duration
	ticking   bool

	refreshes int
	apiCalls  int
	reason    string
	errMsg    string

	statusLines []statusLine
}

// Lipgloss styles.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleLoginBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
		now:     time.Now,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = max(m.expiresAt.Sub(m.now()), 0)
		if m.state == stateActive || m.state == stateRefreshing {
			return m, tickAfterSecond()
		}
		m.ticking = false
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionRestored:
		m.addStatus(statusOK, "Existing session restored")
		return m.activate(msg.ExpiresAt)

	case MsgNoSession:
		m.state = stateLoginRequired
		m.reason = "no active session"
		m.addStatus(statusInfo, "No active session")
		return m, nil

	case MsgLoginSubmitting:
		m.state = stateSubmitting
		m.addStatus(statusInfo, "Logging in...")
		return m, nil

	case MsgLoginSucceeded:
		m.reason = ""
		m.addStatus(statusOK, "Logged in")
		return m.activate(msg.ExpiresAt)

	case MsgLoginFailed:
		m.state = stateInit
		m.addStatus(statusWarn, fmt.Sprintf("Login failed: %v", msg.Err))
		return m, nil

	case MsgRefreshing:
		if m.state == stateActive {
			m.state = stateRefreshing
		}
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshSucceeded:
		m.refreshes++
		m.addStatus(statusOK, "Token refreshed")
		return m.activate(msg.ExpiresAt)

	case MsgRefreshFailed:
		if m.state == stateRefreshing {
			m.state = stateActive
		}
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgCredentialSaved:
		m.addStatus(statusOK, "Session saved to "+msg.Location)
		return m, nil

	case MsgCredentialPersistFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: session kept in memory only: %v", msg.Err))
		return m, nil

	case MsgRequestRejected:
		m.addStatus(statusWarn, "Access token rejected (401)")
		return m, nil

	case MsgLoginRequired:
		m.state = stateLoginRequired
		m.expiresAt = time.Time{}
		m.remaining = 0
		if msg.Reason != nil {
			m.reason = msg.Reason.Error()
		}
		m.addStatus(statusWarn, "Session ended, login required")
		return m, nil

	case MsgLoggedOut:
		m.state = stateLoggedOut
		m.expiresAt = time.Time{}
		m.remaining = 0
		m.addStatus(statusInfo, "Logged out")
		return m, nil

	case MsgAPICallOK:
		m.apiCalls++
		m.addStatus(statusOK, msg.Summary)
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// activate enters the active state and starts the countdown if it is not running.
func (m Model) activate(expiresAt time.Time) (tea.Model, tea.Cmd) {
	m.state = stateActive
	m.expiresAt = expiresAt
	m.remaining = max(expiresAt.Sub(m.now()), 0)
	if m.ticking {
		return m, nil
	}
	m.ticking = true
	return m, tickAfterSecond()
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateLoginRequired:
		return tea.NewView(m.viewLoginRequired())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while the session is being established or is active.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Roster Session  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateActive, stateRefreshing:
		b.WriteString(styleOK.Render("● Authenticated"))
		b.WriteString("\n\n")
		b.WriteString(styleBold.Render("Expires In:  "))
		b.WriteString(formatDuration(m.remaining) + "\n")
		b.WriteString(styleBold.Render("Expires At:  "))
		b.WriteString(m.expiresAt.Local().Format(time.TimeOnly) + "\n")
		b.WriteString(styleBold.Render("Refreshes:   "))
		b.WriteString(fmt.Sprintf("%d\n", m.refreshes))
		b.WriteString(styleBold.Render("API Calls:   "))
		b.WriteString(fmt.Sprintf("%d\n", m.apiCalls))
		if m.state == stateRefreshing {
			b.WriteString("\n")
			b.WriteString(m.spinner.View())
			b.WriteString(" Refreshing access token...\n")
		}

	case stateSubmitting:
		b.WriteString(m.spinner.View())
		b.WriteString(" Logging in...\n")

	case stateLoggedOut:
		b.WriteString(styleDim.Render("○ Logged out"))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewLoginRequired is the login surface shown after a forced logout.
func (m Model) viewLoginRequired() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session ended"))
	b.WriteString("\n\n")
	if m.reason != "" {
		b.WriteString(styleDim.Render("  " + m.reason))
		b.WriteString("\n\n")
	}
	b.WriteString(styleBold.Render("Sign in again with:"))
	b.WriteString("\n")
	b.WriteString(styleLoginBox.Render("  roster login  "))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Error"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		stamp := styleDim.Render(line.at.Local().Format(time.TimeOnly) + " ")
		b.WriteString("  " + stamp)
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("· " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest past maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{at: m.now(), kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = append([]statusLine(nil), m.statusLines[n-maxStatusLines:]...)
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
