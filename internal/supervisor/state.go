package supervisor

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// State is the lifecycle position of the supervisor.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

var titleCaser = cases.Title(language.English)

// Label returns the state for display.
func (s State) Label() string {
	return titleCaser.String(string(s))
}

// canTransition reports whether from -> to is a legal lifecycle edge.
func canTransition(from, to State) bool {
	switch to {
	case StateStarting:
		return from == StateStopped || from == StateFailed
	case StateRunning:
		return from == StateStarting
	case StateStopping:
		return from == StateRunning
	case StateStopped:
		return from == StateStopping
	case StateFailed:
		return from == StateStarting || from == StateRunning
	}
	return false
}
