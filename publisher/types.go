package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/burrow/encoding"
)

// MembershipEvent is one observed status change of a cluster member
type MembershipEvent struct {
	SeqNum     uint64 `msgpack:"seq" json:"seq"` // Monotonic sequence
	ClusterID  string `msgpack:"cluster" json:"cluster_id"`
	Address    string `msgpack:"addr" json:"address"`   // host:port@generation
	Previous   string `msgpack:"prev" json:"previous"`  // Empty when first seen
	Current    string `msgpack:"cur" json:"current"`
	HostName   string `msgpack:"host" json:"host_name"`
	RoleName   string `msgpack:"role" json:"role_name"`
	ObservedBy string `msgpack:"by" json:"observed_by"`   // Node whose view changed
	Timestamp  int64  `msgpack:"ts" json:"timestamp_ms"` // Unix ms
}

// Sink represents a destination for membership events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Encoder converts events to the wire format of a sink
type Encoder interface {
	Encode(event MembershipEvent) ([]byte, error)
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(role, host string) bool
}

type jsonEncoder struct{}

func (jsonEncoder) Encode(event MembershipEvent) ([]byte, error) {
	return json.Marshal(event)
}

type msgpackEncoder struct{}

func (msgpackEncoder) Encode(event MembershipEvent) ([]byte, error) {
	return encoding.Marshal(&event)
}

// NewEncoder returns the encoder for a configured format. Empty means json.
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "", "json":
		return jsonEncoder{}, nil
	case "msgpack":
		return msgpackEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown format: %s", format)
	}
}
