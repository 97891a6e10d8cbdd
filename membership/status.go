package membership

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a node. Transitions only move forward.
type Status int32

const (
	StatusNone Status = iota
	StatusJoining
	StatusActive
	StatusShuttingDown
	StatusStopping
	StatusDead
)

var statusNames = map[Status]string{
	StatusNone:         "NONE",
	StatusJoining:      "JOINING",
	StatusActive:       "ACTIVE",
	StatusShuttingDown: "SHUTTING_DOWN",
	StatusStopping:     "STOPPING",
	StatusDead:         "DEAD",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// ParseStatus accepts the names produced by Status.String, case-insensitively
func ParseStatus(name string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == upper {
			return s, nil
		}
	}
	return StatusNone, fmt.Errorf("unknown status %q", name)
}

// MarshalText implements encoding.TextMarshaler so JSON carries names
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// rank orders statuses. ShuttingDown and Stopping share a rank.
func (s Status) rank() int {
	switch s {
	case StatusJoining:
		return 1
	case StatusActive:
		return 2
	case StatusShuttingDown, StatusStopping:
		return 3
	case StatusDead:
		return 4
	default:
		return 0
	}
}

// IsKnown reports whether s is one of the defined lifecycle states
func (s Status) IsKnown() bool {
	return s.rank() > 0
}

// CanTransitionTo reports whether moving from s to next is a forward step
func (s Status) CanTransitionTo(next Status) bool {
	return next.IsKnown() && next.rank() > s.rank()
}

// IsFunctional reports whether a node in this status still answers probes and gossip
func (s Status) IsFunctional() bool {
	return s == StatusActive || s == StatusShuttingDown || s == StatusStopping
}

// IsTerminating reports ShuttingDown, Stopping or Dead
func (s Status) IsTerminating() bool {
	return s.rank() >= 3
}

// LifecycleStatusNames lists the names of the lifecycle states in order
func LifecycleStatusNames() []string {
	return []string{
		StatusJoining.String(),
		StatusActive.String(),
		StatusShuttingDown.String(),
		StatusStopping.String(),
		StatusDead.String(),
	}
}
