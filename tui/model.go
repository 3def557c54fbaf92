package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/session-cli/apierr"
)

// state represents the current phase of a command.
type state int

const (
	stateInit    state = iota
	stateWorking       // a call is in flight
	stateExpired       // session ended, user must sign in again
	stateDone          // command finished
	stateError         // fatal error
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
	kind statusKind
	text string
}

// Model is the BubbleTea model for the session CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	server   string
	action   string
	loginURL string
	summary  string
	errMsg   string
	status   []string

	statusLines []statusLine
}

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

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		m.server = msg.Server
		return m, nil

	case MsgWorking:
		m.state = stateWorking
		m.action = msg.Action
		return m, nil

	case MsgNotice:
		text := noticeTitle(msg.Kind) + ": " + msg.Message
		for _, f := range msg.Fields {
			text += fmt.Sprintf("\n      %s: %s", f.Field, f.Message)
		}
		m.addStatus(statusWarn, text)
		return m, nil

	case MsgSessionExpired:
		m.loginURL = msg.LoginURL
		m.state = stateExpired
		m.addStatus(statusWarn, apierr.MsgAuthenticationExpired)
		return m, nil

	case MsgSignedIn:
		m.addStatus(statusOK, fmt.Sprintf("Signed in as %s <%s>", msg.User.Name, msg.User.Email))
		if msg.Remember {
			m.addStatus(statusInfo, "Session will be remembered for 30 days")
		}
		return m, nil

	case MsgSignedOut:
		if msg.Err != nil {
			m.addStatus(statusWarn, fmt.Sprintf("Server sign-out failed: %v", msg.Err))
		}
		m.addStatus(statusOK, "Signed out")
		return m, nil

	case MsgStatus:
		m.status = statusLines(msg.Info, time.Now())
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		if m.state != stateExpired {
			m.state = stateDone
		}
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		if m.state != stateExpired {
			m.state = stateError
		}
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateExpired:
		return tea.NewView(m.viewExpired())
	case stateDone:
		return tea.NewView(m.viewDone())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewHeader() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Session CLI  "))
	if m.server != "" {
		b.WriteString("\n")
		b.WriteString(styleDim.Render(m.server))
	}
	b.WriteString("\n\n")
	return b.String()
}

// viewMain is shown while the command runs.
func (m Model) viewMain() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	b.WriteString(m.spinner.View())
	if m.state == stateWorking && m.action != "" {
		b.WriteString(" " + m.action + "...\n")
	} else {
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewExpired tells the user where to sign in again.
func (m Model) viewExpired() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	b.WriteString(styleWarn.Render("  ⚠ " + apierr.MsgAuthenticationExpired))
	b.WriteString("\n\n")
	b.WriteString(styleBold.Render("Sign in again at:"))
	b.WriteString("\n")
	b.WriteString(styleLoginBox.Render("  " + m.loginURL + "  "))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewDone is shown after the command finished.
func (m Model) viewDone() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	if m.summary != "" {
		b.WriteString(styleOK.Render("  ✓ " + m.summary))
		b.WriteString("\n")
	}
	for _, line := range m.status {
		label, value, found := strings.Cut(line, ":")
		if !found {
			b.WriteString(line + "\n")
			continue
		}
		b.WriteString(styleBold.Render(label + ":"))
		b.WriteString(value + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	b.WriteString(styleErr.Render("  ✗ Command failed"))
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
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// formatDuration formats a duration as "Xd Yh", "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
