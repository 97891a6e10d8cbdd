package membership

import (
	"fmt"
	"math"
)

// QuorumPolicy selects how many fresh votes declare a node dead
type QuorumPolicy string

const (
	// QuorumCount requires a fixed number of votes
	QuorumCount QuorumPolicy = "count"
	// QuorumFraction requires a fraction of the active membership
	QuorumFraction QuorumPolicy = "fraction"
)

// Quorum is the death-declaration threshold.
//
// Votes and Fraction are upper bounds when MajorityCap is set: Required never
// asks for more than (active+1)/2 accusers, so the default of two votes drops
// to one in a two node cluster. Required is never below one.
type Quorum struct {
	Policy   QuorumPolicy
	Votes    int
	Fraction float64
	// MajorityCap lowers the requirement to a simple majority of active nodes
	// when the configured value is larger, so small clusters can still evict.
	MajorityCap bool
}

// DefaultQuorum is two votes, capped at a majority
func DefaultQuorum() Quorum {
	return Quorum{Policy: QuorumCount, Votes: 2, MajorityCap: true}
}

// Validate checks the policy parameters
func (q Quorum) Validate() error {
	switch q.Policy {
	case QuorumCount:
		if q.Votes < 1 {
			return fmt.Errorf("quorum votes must be >= 1, got %d", q.Votes)
		}
	case QuorumFraction:
		if q.Fraction <= 0 || q.Fraction > 1 {
			return fmt.Errorf("quorum fraction must be in (0, 1], got %v", q.Fraction)
		}
	default:
		return fmt.Errorf("unknown quorum policy %q", q.Policy)
	}
	return nil
}

// Required returns the number of distinct fresh accusers needed given active nodes
func (q Quorum) Required(active int) int {
	if active < 1 {
		active = 1
	}

	var required int
	switch q.Policy {
	case QuorumFraction:
		required = int(math.Ceil(q.Fraction * float64(active)))
	default:
		required = q.Votes
	}

	if q.MajorityCap {
		if majority := (active + 1) / 2; required > majority {
			required = majority
		}
	}
	if required < 1 {
		required = 1
	}
	return required
}
