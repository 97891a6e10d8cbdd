package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuorum_Required(t *testing.T) {
	cases := []struct {
		name   string
		q      Quorum
		active int
		want   int
	}{
		{"count", Quorum{Policy: QuorumCount, Votes: 2}, 10, 2},
		{"count above cluster without cap", Quorum{Policy: QuorumCount, Votes: 5}, 2, 5},
		{"count capped to majority", Quorum{Policy: QuorumCount, Votes: 5, MajorityCap: true}, 4, 2},
		{"two node cluster", DefaultQuorum(), 2, 1},
		{"three node cluster", DefaultQuorum(), 3, 2},
		{"single node", DefaultQuorum(), 1, 1},
		{"no active nodes", DefaultQuorum(), 0, 1},
		{"fraction", Quorum{Policy: QuorumFraction, Fraction: 0.5}, 5, 3},
		{"fraction rounds up", Quorum{Policy: QuorumFraction, Fraction: 0.34}, 3, 2},
		{"tiny fraction never below one", Quorum{Policy: QuorumFraction, Fraction: 0.01}, 3, 1},
		{"fraction capped", Quorum{Policy: QuorumFraction, Fraction: 1, MajorityCap: true}, 6, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.q.Required(tc.active))
		})
	}
}

func TestQuorum_CapIsUpperBound(t *testing.T) {
	for _, q := range []Quorum{
		DefaultQuorum(),
		{Policy: QuorumCount, Votes: 7, MajorityCap: true},
		{Policy: QuorumFraction, Fraction: 0.9, MajorityCap: true},
	} {
		for active := 1; active <= 10; active++ {
			got := q.Required(active)
			uncapped := Quorum{Policy: q.Policy, Votes: q.Votes, Fraction: q.Fraction}.Required(active)
			if got > uncapped {
				t.Errorf("%+v active=%d: required %d exceeds configured %d", q, active, got, uncapped)
			}
			if got > (active+1)/2 {
				t.Errorf("%+v active=%d: required %d exceeds majority %d", q, active, got, (active+1)/2)
			}
			assert.GreaterOrEqual(t, got, 1)
		}
	}
}

func TestQuorum_Validate(t *testing.T) {
	assert.NoError(t, DefaultQuorum().Validate())
	assert.Error(t, Quorum{Policy: QuorumCount}.Validate())
	assert.Error(t, Quorum{Policy: QuorumFraction, Fraction: 0}.Validate())
	assert.Error(t, Quorum{Policy: QuorumFraction, Fraction: 1.5}.Validate())
	assert.Error(t, Quorum{Policy: "raft"}.Validate())
}
