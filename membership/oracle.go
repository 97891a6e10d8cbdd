package membership

import (
	"sync"

	"github.com/maxpert/burrow/notify"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

// Change describes a node appearing in the local view or changing status
type Change struct {
	Address  NodeAddress
	Previous Status
	Current  Status
	Entry    Entry
}

// Oracle is the per-node cached view of the membership table.
// Rows are replaced whole under the lock and handed out as clones.
type Oracle struct {
	self    NodeAddress
	rows    map[NodeAddress]Row
	version TableVersion
	mu      sync.RWMutex

	hub        *notify.Hub[Change]
	callbacks  []func(Change)
	callbackMu sync.RWMutex
}

// NewOracle creates an empty view owned by self
func NewOracle(self NodeAddress) *Oracle {
	return &Oracle{
		self: self,
		rows: make(map[NodeAddress]Row),
		hub:  notify.NewHub[Change](),
	}
}

// Self returns the address of the owning node
func (o *Oracle) Self() NodeAddress {
	return o.self
}

// shouldReplace decides whether incoming may overwrite current without
// moving status or heartbeat backwards.
func shouldReplace(current, incoming Entry) bool {
	cr, ir := current.Status.rank(), incoming.Status.rank()
	switch {
	case ir < cr:
		return false
	case ir > cr:
		return true
	case current.Status != incoming.Status:
		return false
	default:
		return !incoming.IAmAliveTime.Before(current.IAmAliveTime)
	}
}

// applyLocked merges one row. Caller must hold o.mu.
func (o *Oracle) applyLocked(row Row) (Change, bool, bool) {
	incoming := row.Entry.Clone()
	existing, found := o.rows[incoming.Address]
	if found && !shouldReplace(existing.Entry, incoming) {
		return Change{}, false, false
	}
	if found && row.ETag == "" {
		row.ETag = existing.ETag
	}
	o.rows[incoming.Address] = Row{Entry: incoming, ETag: row.ETag}

	prev := StatusNone
	if found {
		prev = existing.Entry.Status
	}
	if prev == incoming.Status {
		return Change{}, true, false
	}
	return Change{Address: incoming.Address, Previous: prev, Current: incoming.Status, Entry: incoming.Clone()}, true, true
}

// ApplySnapshot merges a table read and returns the status changes it caused.
// Dead rows missing from the snapshot were cleaned up and are evicted.
func (o *Oracle) ApplySnapshot(data TableData) []Change {
	var changes []Change

	o.mu.Lock()
	if data.Version.Version >= o.version.Version {
		o.version = data.Version
	}

	seen := make(map[NodeAddress]struct{}, len(data.Rows))
	for _, row := range data.Rows {
		seen[row.Entry.Address] = struct{}{}
		if change, _, changed := o.applyLocked(row); changed {
			changes = append(changes, change)
		}
	}
	for addr, row := range o.rows {
		if _, ok := seen[addr]; !ok && row.Entry.Status == StatusDead {
			delete(o.rows, addr)
		}
	}
	o.mu.Unlock()

	o.notify(changes)
	return changes
}

// ApplyEntry merges a single entry from gossip or a local write.
// The returned bool reports whether the cache was updated.
func (o *Oracle) ApplyEntry(entry Entry) (Change, bool) {
	return o.ApplyRow(Row{Entry: entry})
}

// ApplyRow is ApplyEntry with a known row etag
func (o *Oracle) ApplyRow(row Row) (Change, bool) {
	o.mu.Lock()
	change, applied, changed := o.applyLocked(row)
	o.mu.Unlock()

	if changed {
		o.notify([]Change{change})
	}
	return change, applied
}

func (o *Oracle) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}

	o.callbackMu.RLock()
	callbacks := o.callbacks
	o.callbackMu.RUnlock()

	for _, c := range changes {
		telemetry.NodeStateTransitionsTotal.With(c.Previous.String(), c.Current.String()).Inc()
		log.Debug().
			Str("node", c.Address.String()).
			Str("from", c.Previous.String()).
			Str("to", c.Current.String()).
			Msg("View changed")

		for _, cb := range callbacks {
			cb(c)
		}
		o.hub.Publish(c)
	}
}

// OnChange registers a callback invoked synchronously for every change, outside the lock
func (o *Oracle) OnChange(fn func(Change)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.callbacks = append(o.callbacks, fn)
}

// Subscribe returns a buffered stream of changes accepted by filter (all when nil)
func (o *Oracle) Subscribe(filter func(Change) bool) (<-chan Change, func()) {
	return o.hub.Subscribe(filter)
}

// Get returns a copy of the cached entry for addr
func (o *Oracle) Get(addr NodeAddress) (Entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	row, ok := o.rows[addr]
	if !ok {
		return Entry{}, false
	}
	return row.Entry.Clone(), true
}

// Status returns the cached status of addr, StatusNone when unknown
func (o *Oracle) Status(addr NodeAddress) Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rows[addr].Entry.Status
}

// Entries returns copies of every cached entry
func (o *Oracle) Entries() []Entry {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Entry, 0, len(o.rows))
	for _, row := range o.rows {
		out = append(out, row.Entry.Clone())
	}
	return out
}

// ActiveNodes returns the addresses currently Active in the view
func (o *Oracle) ActiveNodes() []NodeAddress {
	return o.nodes(func(e Entry) bool { return e.Status == StatusActive })
}

// FunctionalPeers returns other nodes that still answer probes and gossip
func (o *Oracle) FunctionalPeers() []NodeAddress {
	return o.nodes(func(e Entry) bool { return e.Address != o.self && e.Status.IsFunctional() })
}

func (o *Oracle) nodes(keep func(Entry) bool) []NodeAddress {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]NodeAddress, 0, len(o.rows))
	for addr, row := range o.rows {
		if keep(row.Entry) {
			out = append(out, addr)
		}
	}
	return out
}

// Version returns the newest table version seen by a poll
func (o *Oracle) Version() TableVersion {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// TableVersion returns the newest table version number seen by a poll
func (o *Oracle) TableVersion() int64 {
	return o.Version().Version
}

// ClusterView returns a read-only snapshot of the view, dead rows last
func (o *Oracle) ClusterView() TableData {
	o.mu.RLock()
	data := TableData{Rows: make([]Row, 0, len(o.rows)), Version: o.version}
	for _, row := range o.rows {
		data.Rows = append(data.Rows, Row{Entry: row.Entry.Clone(), ETag: row.ETag})
	}
	o.mu.RUnlock()

	return data.Sorted()
}

// StatusCounts returns the number of cached rows per status name
func (o *Oracle) StatusCounts() map[string]int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	counts := make(map[string]int, len(statusNames))
	for _, row := range o.rows {
		counts[row.Entry.Status.String()]++
	}
	return counts
}

// Close releases subscribers
func (o *Oracle) Close() {
	o.hub.Close()
}
