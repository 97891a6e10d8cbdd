package membership

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MaxHealthScore is the worst local health degradation score
const MaxHealthScore = 8

// HealthMonitor scores how degraded this node looks from its own point of view.
// 0 is healthy. A degraded node extends its probe timeouts and its failed
// indirect probes are not trusted by the peers that asked for them.
type HealthMonitor struct {
	m *Manager

	lastProbeRequest  atomic.Int64
	lastProbeResponse atomic.Int64
	clusteredSince    atomic.Int64
}

func newHealthMonitor(m *Manager) *HealthMonitor {
	return &HealthMonitor{m: m}
}

// RecordProbeRequest notes that a peer probed this node
func (h *HealthMonitor) RecordProbeRequest() {
	h.lastProbeRequest.Store(h.m.now().UnixNano())
}

// RecordProbeResponse notes that a peer answered one of this node's probes
func (h *HealthMonitor) RecordProbeResponse() {
	h.lastProbeResponse.Store(h.m.now().UnixNano())
}

// Score returns the current degradation score in [0, MaxHealthScore]
func (h *HealthMonitor) Score() int {
	score, _ := h.Check(h.m.now())
	return score
}

// Check computes the degradation score at now and lists what contributed to it
func (h *HealthMonitor) Check(now time.Time) (int, []string) {
	cfg := h.m.cfg
	oracle := h.m.oracle
	var complaints []string

	self, ok := oracle.Get(h.m.info.Address)
	if !ok {
		return MaxHealthScore, []string{"no membership entry for this node"}
	}

	score := 0
	if self.Status != StatusActive {
		score = MaxHealthScore
		complaints = append(complaints, fmt.Sprintf("this node is %s, not active", self.Status))
	}

	for _, v := range self.FreshVotes(now, cfg.DeathVoteExpiration) {
		if oracle.Status(v.Accuser) == StatusActive {
			score++
			complaints = append(complaints, fmt.Sprintf("%s suspected this node at %s", v.Accuser, v.Time.Format(time.RFC3339)))
		}
	}

	if allowed := cfg.heartbeatAllowance(); allowed > 0 && self.HasMissedHeartbeats(now, allowed) {
		score++
		complaints = append(complaints, fmt.Sprintf("own heartbeat not written since %s", self.LastHeartbeat().Format(time.RFC3339)))
	}

	// probe traffic is only expected once the node has had peers for a full detection window
	active := len(oracle.ActiveNodes())
	window := cfg.ProbeTimeout * time.Duration(cfg.NumMissedProbesLimit)
	if active <= 1 {
		h.clusteredSince.Store(0)
	} else {
		h.clusteredSince.CompareAndSwap(0, now.UnixNano())
	}

	if since := h.clusteredSince.Load(); since != 0 && now.Sub(time.Unix(0, since)) > window && active > 2 {
		if stale(h.lastProbeRequest.Load(), now, window) {
			score++
			complaints = append(complaints, "no probe requests received recently")
		}
		if stale(h.lastProbeResponse.Load(), now, window) {
			score++
			complaints = append(complaints, "no successful probe responses received recently")
		}
	}

	if score > MaxHealthScore {
		score = MaxHealthScore
	}
	return score, complaints
}

func stale(last int64, now time.Time, window time.Duration) bool {
	return last == 0 || now.Sub(time.Unix(0, last)) > window
}

// ProbeTimeout is the configured probe timeout stretched by the local
// degradation score when ExtendProbeTimeout is set. The score is returned too.
func (h *HealthMonitor) ProbeTimeout() (time.Duration, int) {
	timeout := h.m.cfg.ProbeTimeout
	if !h.m.cfg.ExtendProbeTimeout {
		return timeout, 0
	}
	score := h.Score()
	return timeout * time.Duration(1+score), score
}
