package membership

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// generationEpoch is the reference point for generation numbers.
var generationEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// NodeAddress identifies one incarnation of a cluster member.
// Two processes on the same endpoint are different nodes when their generations differ.
type NodeAddress struct {
	Host       string `msgpack:"h" json:"host"`
	Port       int    `msgpack:"p" json:"port"`
	Generation int32  `msgpack:"g" json:"generation"`
}

// NewNodeAddress builds a NodeAddress
func NewNodeAddress(host string, port int, generation int32) NodeAddress {
	return NodeAddress{Host: host, Port: port, Generation: generation}
}

// AllocateGeneration returns a generation number for a process starting now
func AllocateGeneration() int32 {
	return int32(time.Since(generationEpoch) / time.Second)
}

// String renders the address as host:port@generation
func (a NodeAddress) String() string {
	return fmt.Sprintf("%s@%d", a.Endpoint(), a.Generation)
}

// Endpoint returns the dialable host:port part
func (a NodeAddress) Endpoint() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// SameEndpoint reports whether both addresses share host and port, ignoring generation
func (a NodeAddress) SameEndpoint(other NodeAddress) bool {
	return a.Host == other.Host && a.Port == other.Port
}

// IsZero reports whether the address is unset
func (a NodeAddress) IsZero() bool {
	return a == NodeAddress{}
}

// IsValid reports whether the address can name a real node
func (a NodeAddress) IsValid() bool {
	return a.Host != "" && a.Port > 0 && a.Port <= 65535 && a.Generation != 0
}

// RingHash positions the node on the probe ring
func (a NodeAddress) RingHash() uint64 {
	return xxhash.Sum64String(a.String())
}

// ParseNodeAddress parses the form produced by NodeAddress.String
func ParseNodeAddress(s string) (NodeAddress, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return NodeAddress{}, fmt.Errorf("node address %q: missing generation", s)
	}

	host, portStr, err := net.SplitHostPort(s[:at])
	if err != nil {
		return NodeAddress{}, fmt.Errorf("node address %q: %w", s, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("node address %q: invalid port: %w", s, err)
	}

	gen, err := strconv.ParseInt(s[at+1:], 10, 32)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("node address %q: invalid generation: %w", s, err)
	}

	addr := NodeAddress{Host: host, Port: port, Generation: int32(gen)}
	if !addr.IsValid() {
		return NodeAddress{}, fmt.Errorf("node address %q is not valid", s)
	}
	return addr, nil
}
