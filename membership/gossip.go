package membership

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

// seenGossipSize bounds the duplicate suppression cache
const seenGossipSize = 4096

// Gossiper delivers an entry to peers. Implementations must not block on
// slow peers and must not retry; failures are only counted.
type Gossiper interface {
	Gossip(ctx context.Context, sender NodeAddress, targets []NodeAddress, entry Entry)
}

// Disseminator pushes locally observed status changes to peers and applies
// entries pushed by them.
type Disseminator struct {
	self     NodeAddress
	oracle   *Oracle
	gossiper Gossiper
	enabled  bool
	refresh  func()
	seen     *lru.Cache[string, struct{}]
}

// NewDisseminator creates a disseminator. refresh is called when a peer claims
// this node is dead so the table, not gossip, decides.
func NewDisseminator(self NodeAddress, oracle *Oracle, gossiper Gossiper, enabled bool, refresh func()) (*Disseminator, error) {
	seen, err := lru.New[string, struct{}](seenGossipSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gossip cache: %w", err)
	}
	return &Disseminator{
		self:     self,
		oracle:   oracle,
		gossiper: gossiper,
		enabled:  enabled && gossiper != nil,
		refresh:  refresh,
		seen:     seen,
	}, nil
}

// Enabled reports whether pushes are sent
func (d *Disseminator) Enabled() bool {
	return d.enabled
}

func gossipDigest(e Entry) string {
	return fmt.Sprintf("%s|%d|%d", e.Address, e.Status, e.IAmAliveTime.UnixNano())
}

// Push sends entry to every functional peer except the entry's own node.
// Returns the number of targets.
func (d *Disseminator) Push(entry Entry) int {
	if !d.enabled {
		return 0
	}
	d.seen.Add(gossipDigest(entry), struct{}{})

	peers := d.oracle.FunctionalPeers()
	targets := peers[:0]
	for _, p := range peers {
		if p != entry.Address {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	log.Debug().
		Str("node", entry.Address.String()).
		Str("status", entry.Status.String()).
		Int("targets", len(targets)).
		Msg("Gossiping status change")

	d.gossiper.Gossip(context.Background(), d.self, targets, entry.Clone())
	return len(targets)
}

// Receive applies an entry pushed by sender. Malformed input and duplicates are
// dropped silently. Returns true when the local view was updated.
//
// sender does not have to be in the local view. A joining node announces its own
// entry before peers have read it from the table, and applying is monotonic, so
// an unknown sender can only move an entry forward.
func (d *Disseminator) Receive(sender NodeAddress, entry Entry) bool {
	if !entry.Address.IsValid() || !entry.Status.IsKnown() || (!sender.IsZero() && !sender.IsValid()) {
		telemetry.GossipMessagesTotal.With("dropped").Inc()
		return false
	}

	telemetry.GossipMessagesTotal.With("received").Inc()

	digest := gossipDigest(entry)
	if d.seen.Contains(digest) {
		return false
	}
	d.seen.Add(digest, struct{}{})

	if entry.Address == d.self {
		if entry.Status == StatusDead {
			log.Warn().
				Str("sender", sender.String()).
				Msg("Peer gossiped that this node is dead, refreshing table")
			if d.refresh != nil {
				d.refresh()
			}
		}
		return false
	}

	_, applied := d.oracle.ApplyEntry(entry)
	return applied
}
