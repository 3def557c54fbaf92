package apiclient

import "github.com/go-authgate/session-cli/apierr"

// Notifier receives what the user should see about failed calls.
type Notifier interface {
	// Notify shows a transient notice for a failed call.
	Notify(err *apierr.Error)

	// SessionExpired tells the user to sign in again at loginURL. It is sent
	// once per failed refresh cycle and once per refreshed token the server
	// rejects.
	SessionExpired(loginURL string)
}

// NopNotifier discards every notice.
type NopNotifier struct{}

func (NopNotifier) Notify(*apierr.Error) {}
func (NopNotifier) SessionExpired(string) {}
