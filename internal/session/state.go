package session

import (
	"strings"
	"time"

	"botbridge/internal/model"
)

// State is a bot session state within a turn
type State int

const (
	NoSession State = iota
	Creating
	Active
	Recreating
	Terminated
	// Done ends the turn; it is not a persisted state
	Done
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no_session"
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Recreating:
		return "recreating"
	case Terminated:
		return "terminated"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Initial returns the state a turn starts in for t
func Initial(t *model.Ticket) State {
	if t.HasSession() {
		return Active
	}
	return NoSession
}

// Expired reports whether the session attached to t is older than the
// configured expiry. A non-positive expiry never expires.
func Expired(t *model.Ticket, expiresMinutes int, now time.Time) bool {
	if expiresMinutes <= 0 || t.TypebotSessionTime == nil {
		return false
	}
	return now.Sub(*t.TypebotSessionTime) > time.Duration(expiresMinutes)*time.Minute
}

// MatchesKeyword compares trimmed text to a keyword ignoring case. An empty
// keyword never matches.
func MatchesKeyword(text, keyword string) bool {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(text), keyword)
}
