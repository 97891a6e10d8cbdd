package membership

import (
	"fmt"
	"strings"
	"time"
)

// SuspectVote records one accusation against an entry
type SuspectVote struct {
	Accuser NodeAddress `msgpack:"a" json:"accuser"`
	Time    time.Time   `msgpack:"t" json:"time"`
}

// Entry is the membership row of a single node
type Entry struct {
	Address      NodeAddress   `msgpack:"addr" json:"address"`
	Status       Status        `msgpack:"status" json:"status"`
	HostName     string        `msgpack:"host_name" json:"host_name"`
	RoleName     string        `msgpack:"role_name" json:"role_name"`
	NodeName     string        `msgpack:"node_name" json:"node_name"`
	StartTime    time.Time     `msgpack:"start" json:"start_time"`
	IAmAliveTime time.Time     `msgpack:"alive" json:"i_am_alive_time"`
	SuspectTimes []SuspectVote `msgpack:"suspects" json:"suspect_times,omitempty"`
}

// Clone returns a copy that shares no mutable state with e
func (e Entry) Clone() Entry {
	out := e
	if e.SuspectTimes != nil {
		out.SuspectTimes = make([]SuspectVote, len(e.SuspectTimes))
		copy(out.SuspectTimes, e.SuspectTimes)
	}
	return out
}

// isFresh reports whether a vote taken at t still counts at now.
// Votes from the future count as fresh so clock skew cannot hide an accusation.
func isFresh(t, now time.Time, window time.Duration) bool {
	return t.After(now) || now.Sub(t) <= window
}

// FreshVotes returns the votes inside the expiration window, one per accuser (the latest)
func (e Entry) FreshVotes(now time.Time, window time.Duration) []SuspectVote {
	if len(e.SuspectTimes) == 0 {
		return nil
	}

	latest := make(map[NodeAddress]int, len(e.SuspectTimes))
	fresh := make([]SuspectVote, 0, len(e.SuspectTimes))
	for _, v := range e.SuspectTimes {
		if !isFresh(v.Time, now, window) {
			continue
		}
		if idx, ok := latest[v.Accuser]; ok {
			if v.Time.After(fresh[idx].Time) {
				fresh[idx] = v
			}
			continue
		}
		latest[v.Accuser] = len(fresh)
		fresh = append(fresh, v)
	}
	return fresh
}

// AddSuspector prunes stale votes and any earlier vote by accuser, then appends a new vote
func (e *Entry) AddSuspector(accuser NodeAddress, now time.Time, window time.Duration) {
	kept := make([]SuspectVote, 0, len(e.SuspectTimes)+1)
	for _, v := range e.SuspectTimes {
		if v.Accuser == accuser || !isFresh(v.Time, now, window) {
			continue
		}
		kept = append(kept, v)
	}
	e.SuspectTimes = append(kept, SuspectVote{Accuser: accuser, Time: now})
}

// HasVoteFrom reports whether accuser holds a fresh vote on e
func (e Entry) HasVoteFrom(accuser NodeAddress, now time.Time, window time.Duration) bool {
	for _, v := range e.FreshVotes(now, window) {
		if v.Accuser == accuser {
			return true
		}
	}
	return false
}

// LastHeartbeat is IAmAliveTime, or StartTime before the first heartbeat was written
func (e Entry) LastHeartbeat() time.Time {
	if e.IAmAliveTime.IsZero() {
		return e.StartTime
	}
	return e.IAmAliveTime
}

// HasMissedHeartbeats reports whether the node went quiet for longer than allowed
func (e Entry) HasMissedHeartbeats(now time.Time, allowed time.Duration) bool {
	if allowed <= 0 {
		return false
	}
	return now.Sub(e.LastHeartbeat()) > allowed
}

func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s", e.Address, e.Status)
	if e.RoleName != "" {
		fmt.Fprintf(&b, " role=%s", e.RoleName)
	}
	if n := len(e.SuspectTimes); n > 0 {
		fmt.Fprintf(&b, " suspects=%d", n)
	}
	b.WriteByte(']')
	return b.String()
}
