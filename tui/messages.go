package tui

import (
	"github.com/go-authgate/session-cli/apierr"
	"github.com/go-authgate/session-cli/session"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Server string }

// MsgWorking signals that a call is in progress.
type MsgWorking struct{ Action string }

// MsgNotice carries a transient notice about a failed call.
type MsgNotice struct {
	Kind    apierr.Kind
	Message string
	Fields  []apierr.FieldError
}

// MsgSessionExpired signals that the session ended and the user must sign in again.
type MsgSessionExpired struct{ LoginURL string }

// MsgSignedIn signals a successful sign-in.
type MsgSignedIn struct {
	User     session.User
	Remember bool
}

// MsgSignedOut signals that the local session was cleared. Err is set when
// the server could not be told.
type MsgSignedOut struct{ Err error }

// MsgStatus carries the session summary shown by the status command.
type MsgStatus struct{ Info StatusInfo }

// MsgDone signals that the command finished.
type MsgDone struct{ Summary string }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
