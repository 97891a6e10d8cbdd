package membership

import "time"

// GossipPropagationDelay is the expected time for gossip to reach every peer
const GossipPropagationDelay = 5 * time.Second

// StabilizationParams are the liveness settings the estimate depends on
type StabilizationParams struct {
	ProbeTimeout         time.Duration
	NumMissedProbesLimit int
	TableRefreshInterval time.Duration
	UseGossip            bool
}

// StabilizationTime returns how long after a node stops the rest of the cluster
// should agree on it. A graceful stop announces itself, so only propagation counts.
func StabilizationTime(p StabilizationParams, graceful bool) time.Duration {
	propagation := p.TableRefreshInterval
	if p.UseGossip {
		propagation = GossipPropagationDelay
	}

	if graceful {
		return propagation
	}
	return p.ProbeTimeout*time.Duration(p.NumMissedProbesLimit) + propagation
}
