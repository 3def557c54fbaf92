package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/session-cli/apierr"
	"github.com/go-authgate/session-cli/session"
)

// StatusInfo is what the status command reports about the local session.
type StatusInfo struct {
	Authenticated bool
	User          *session.User
	DeviceID      string
	Backend       string
	TokenPreview  string
	Token         *session.TokenInfo // nil when the token is not a readable JWT
}

// Displayer abstracts all user-facing output of the CLI. It also serves as
// the API client's notifier.
type Displayer interface {
	Banner(server string)
	Working(action string)
	Notify(err *apierr.Error)
	SessionExpired(loginURL string)
	SignedIn(user session.User, remember bool)
	SignedOut(err error)
	Status(info StatusInfo)
	Done(summary string)
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

func (p *PlainDisplayer) Banner(server string) {
	fmt.Fprintf(p.w, "=== Session CLI (%s) ===\n", server)
}

func (p *PlainDisplayer) Working(action string) {
	fmt.Fprintf(p.w, "%s...\n", action)
}

func (p *PlainDisplayer) Notify(err *apierr.Error) {
	fmt.Fprintf(p.w, "%s: %s\n", noticeTitle(err.Kind), err.Message)
	for _, f := range err.Fields {
		fmt.Fprintf(p.w, "  - %s: %s\n", f.Field, f.Message)
	}
}

func (p *PlainDisplayer) SessionExpired(loginURL string) {
	fmt.Fprintln(p.w, apierr.MsgAuthenticationExpired)
	fmt.Fprintf(p.w, "Sign in again: %s\n", loginURL)
}

func (p *PlainDisplayer) SignedIn(user session.User, remember bool) {
	fmt.Fprintf(p.w, "Signed in as %s <%s>\n", user.Name, user.Email)
	if remember {
		fmt.Fprintln(p.w, "Session will be remembered for 30 days.")
	}
}

func (p *PlainDisplayer) SignedOut(err error) {
	if err != nil {
		fmt.Fprintf(p.w, "Warning: server sign-out failed: %v\n", err)
	}
	fmt.Fprintln(p.w, "Signed out.")
}

func (p *PlainDisplayer) Status(info StatusInfo) {
	for _, line := range statusLines(info, time.Now()) {
		fmt.Fprintln(p.w, line)
	}
}

func (p *PlainDisplayer) Done(summary string) {
	if summary != "" {
		fmt.Fprintln(p.w, summary)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(string)               {}
func (NoopDisplayer) Working(string)              {}
func (NoopDisplayer) Notify(*apierr.Error)        {}
func (NoopDisplayer) SessionExpired(string)       {}
func (NoopDisplayer) SignedIn(session.User, bool) {}
func (NoopDisplayer) SignedOut(error)             {}
func (NoopDisplayer) Status(StatusInfo)           {}
func (NoopDisplayer) Done(string)                 {}
func (NoopDisplayer) Fatal(error)                 {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(server string) {
	t.p.Send(MsgBanner{Server: server})
}

func (t *ProgramDisplayer) Working(action string) {
	t.p.Send(MsgWorking{Action: action})
}

func (t *ProgramDisplayer) Notify(err *apierr.Error) {
	t.p.Send(MsgNotice{Kind: err.Kind, Message: err.Message, Fields: err.Fields})
}

func (t *ProgramDisplayer) SessionExpired(loginURL string) {
	t.p.Send(MsgSessionExpired{LoginURL: loginURL})
}

func (t *ProgramDisplayer) SignedIn(user session.User, remember bool) {
	t.p.Send(MsgSignedIn{User: user, Remember: remember})
}

func (t *ProgramDisplayer) SignedOut(err error) {
	t.p.Send(MsgSignedOut{Err: err})
}

func (t *ProgramDisplayer) Status(info StatusInfo) {
	t.p.Send(MsgStatus{Info: info})
}

func (t *ProgramDisplayer) Done(summary string) {
	t.p.Send(MsgDone{Summary: summary})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

func noticeTitle(k apierr.Kind) string {
	switch k {
	case apierr.KindAuthenticationExpired:
		return "Not signed in"
	case apierr.KindForbidden:
		return "Forbidden"
	case apierr.KindRateLimited:
		return "Rate limited"
	case apierr.KindServerError:
		return "Server error"
	case apierr.KindValidationFailed:
		return "Invalid input"
	default:
		return "Request failed"
	}
}

// statusLines renders info as label/value rows shared by both displayers.
func statusLines(info StatusInfo, now time.Time) []string {
	var lines []string
	if !info.Authenticated {
		lines = append(lines, "Status:     signed out")
	} else {
		lines = append(lines, "Status:     signed in")
	}
	if u := info.User; u != nil {
		lines = append(lines, fmt.Sprintf("User:       %s <%s>", u.Name, u.Email))
		if len(u.Roles) > 0 {
			lines = append(lines, "Roles:      "+strings.Join(u.Roles, ", "))
		}
	}
	if info.TokenPreview != "" {
		lines = append(lines, "Token:      "+info.TokenPreview+"...")
	}
	if tok := info.Token; tok != nil && !tok.ExpiresAt.IsZero() {
		if left := tok.ExpiresAt.Sub(now); left > 0 {
			lines = append(lines, "Expires in: "+formatDuration(left))
		} else {
			lines = append(lines, "Expires in: expired (refreshed on next request)")
		}
	}
	lines = append(lines, "Device:     "+info.DeviceID)
	if info.Backend != "" {
		lines = append(lines, "Storage:    "+info.Backend)
	}
	return lines
}
