package exception

import (
	"slices"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

// Transitions lists, for each status, the statuses it may move to.
type Transitions map[event.Status][]event.Status

// DefaultTransitions requires review before resolution: an open exception
// cannot jump straight to resolved.
var DefaultTransitions = Transitions{
	event.StatusOpen:      {event.StatusAnalyzing, event.StatusEscalated},
	event.StatusAnalyzing: {event.StatusOpen, event.StatusResolved, event.StatusEscalated},
	event.StatusEscalated: {event.StatusAnalyzing, event.StatusResolved},
	event.StatusResolved:  {event.StatusOpen},
}

// Allowed reports whether from may move to to. Staying in place is always
// allowed.
func (t Transitions) Allowed(from, to event.Status) bool {
	if from == to {
		return true
	}
	return slices.Contains(t[from], to)
}

// FromStrings builds a table from configuration data. Unknown statuses are
// reported as a validation error.
func FromStrings(raw map[string][]string) (Transitions, error) {
	t := make(Transitions, len(raw))
	for from, targets := range raw {
		f, err := event.ParseStatus(from)
		if err != nil {
			return nil, err
		}
		for _, to := range targets {
			s, err := event.ParseStatus(to)
			if err != nil {
				return nil, err
			}
			t[f] = append(t[f], s)
		}
	}
	return t, nil
}
