package grpc

import (
	"time"

	"github.com/maxpert/burrow/membership"
)

// ProbeRequest checks that Target is alive. The receiver answers OK only when it
// is Target itself, so a restarted process on the same endpoint never vouches
// for its previous incarnation.
type ProbeRequest struct {
	Sender membership.NodeAddress `msgpack:"sender"`
	Target membership.NodeAddress `msgpack:"target"`
}

// ProbeResponse carries the receiver's local health score so callers can tell
// a struggling node from a healthy one.
type ProbeResponse struct {
	OK          bool                   `msgpack:"ok"`
	Self        membership.NodeAddress `msgpack:"self"`
	Status      membership.Status      `msgpack:"status"`
	HealthScore int                    `msgpack:"health_score"`
}

// ProbeIndirectRequest asks the receiver to probe Target on the sender's behalf
type ProbeIndirectRequest struct {
	Sender    membership.NodeAddress `msgpack:"sender"`
	Target    membership.NodeAddress `msgpack:"target"`
	TimeoutMS int64                  `msgpack:"timeout_ms"`
}

type ProbeIndirectResponse struct {
	OK          bool   `msgpack:"ok"`
	Error       string `msgpack:"error,omitempty"`
	HealthScore int    `msgpack:"health_score"`
}

// GossipRequest pushes one membership entry
type GossipRequest struct {
	Sender membership.NodeAddress `msgpack:"sender"`
	Entry  membership.Entry       `msgpack:"entry"`
}

type Empty struct{}

// Membership table RPCs

type InitializeRequest struct {
	Force bool `msgpack:"force"`
}

type ReadAllRequest struct{}

type ReadRowRequest struct {
	Address membership.NodeAddress `msgpack:"address"`
}

type TableResponse struct {
	Data membership.TableData `msgpack:"data"`
}

type InsertRowRequest struct {
	Entry    membership.Entry        `msgpack:"entry"`
	Expected membership.TableVersion `msgpack:"expected"`
}

type UpdateRowRequest struct {
	Entry    membership.Entry        `msgpack:"entry"`
	ETag     string                  `msgpack:"etag"`
	Expected membership.TableVersion `msgpack:"expected"`
}

type CASResponse struct {
	OK bool `msgpack:"ok"`
}

type HeartbeatRequest struct {
	Entry membership.Entry `msgpack:"entry"`
}

type DeleteAllRequest struct {
	ClusterID string `msgpack:"cluster_id"`
}

type CleanupRequest struct {
	Before time.Time `msgpack:"before"`
}
