package auth

import "github.com/jrsteele09/smart-portal/sessions"

// State is where a session sits in the login flow.
type State int

const (
	Anonymous State = iota
	PendingCallback
	Authenticated
)

func (s State) String() string {
	switch s {
	case PendingCallback:
		return "pending_callback"
	case Authenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// StateOf derives the State of a session. A nil session is Anonymous.
func StateOf(session *sessions.SessionData) State {
	switch {
	case session == nil:
		return Anonymous
	case session.Authorization != nil:
		return PendingCallback
	case session.Credentials != nil:
		return Authenticated
	default:
		return Anonymous
	}
}
