// Package publisher streams membership status changes to external systems.
//
// A Registry observes the local membership oracle and appends one
// MembershipEvent per status change to a pebble-backed PublishLog. Each
// configured sink gets a Worker that tails the log from its own persisted
// cursor, so a slow or unavailable sink neither blocks failure detection nor
// loses events across restarts. Delivery is at least once.
//
// Storage layout:
//
//	/event/{seq:016x}    -> msgpack(MembershipEvent)
//	/cursor/{sinkName}   -> uint64
//	/seq                 -> uint64 (last assigned)
//
// Events a sink's GlobFilter rejects (by role and host name) advance its
// cursor without being published. Entries below the slowest cursor are
// trimmed periodically.
//
// Sinks register by type name from an init func; import
// github.com/maxpert/burrow/publisher/sink for kafka, nats and mock.
package publisher
