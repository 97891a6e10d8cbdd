package membership

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/burrow/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Prober sends liveness probes to peers
type Prober interface {
	// Probe checks target directly
	Probe(ctx context.Context, target NodeAddress) error
	// ProbeIndirect asks intermediary to probe target within timeout
	ProbeIndirect(ctx context.Context, intermediary, target NodeAddress, timeout time.Duration) error
}

// DegradedIntermediaryError is returned by ProbeIndirect when the intermediary
// failed to reach the target while reporting a degraded local health score.
type DegradedIntermediaryError struct {
	Intermediary NodeAddress
	Score        int
	Reason       string
}

func (e *DegradedIntermediaryError) Error() string {
	return fmt.Sprintf("indirect probe via degraded %s (health score %d): %s", e.Intermediary, e.Score, e.Reason)
}

type probeOutcome int

const (
	probeFailed probeOutcome = iota
	probeOK
	// probeUnknown means only degraded intermediaries reported a failure
	probeUnknown
)

// SelectProbeTargets returns the peers self should monitor.
//
// In ProbeAll mode that is every functional peer. In ProbeRing mode the functional
// nodes and self are ordered by ring hash, and the walk from self's successor takes
// up to n unsuspected nodes, adding every suspected node met on the way.
func SelectProbeTargets(self NodeAddress, entries []Entry, mode ProbeMode, n int, now time.Time, window time.Duration) []NodeAddress {
	suspected := make(map[NodeAddress]bool, len(entries))
	ring := make([]NodeAddress, 0, len(entries)+1)
	hasSelf := false
	for _, e := range entries {
		if !e.Status.IsFunctional() {
			continue
		}
		if e.Address == self {
			hasSelf = true
		}
		ring = append(ring, e.Address)
		suspected[e.Address] = len(e.FreshVotes(now, window)) > 0
	}

	if mode == ProbeAll {
		out := make([]NodeAddress, 0, len(ring))
		for _, a := range ring {
			if a != self {
				out = append(out, a)
			}
		}
		sort.Slice(out, func(i, j int) bool { return lessAddress(out[i], out[j]) })
		return out
	}

	if !hasSelf {
		ring = append(ring, self)
	}
	sort.Slice(ring, func(i, j int) bool {
		hi, hj := ring[i].RingHash(), ring[j].RingHash()
		if hi != hj {
			return hi < hj
		}
		return lessAddress(ring[i], ring[j])
	})

	me := 0
	for i, a := range ring {
		if a == self {
			me = i
			break
		}
	}

	var watch, extra []NodeAddress
	for i := 0; i < len(ring)-1 && len(watch) < n; i++ {
		candidate := ring[(me+i+1)%len(ring)]
		if suspected[candidate] {
			extra = append(extra, candidate)
		} else {
			watch = append(watch, candidate)
		}
	}
	return append(watch, extra...)
}

// monitor is the probe state of one target
type monitor struct {
	target NodeAddress
	misses atomic.Int32
	stopCh chan struct{}
}

// Detector probes a subset of peers and feeds missed probes into suspicion votes
type Detector struct {
	m      *Manager
	prober Prober

	monitors *xsync.MapOf[NodeAddress, *monitor]
	updateMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDetector creates a failure detector for the node run by m
func NewDetector(m *Manager, prober Prober) *Detector {
	return &Detector{
		m:        m,
		prober:   prober,
		monitors: xsync.NewMapOf[NodeAddress, *monitor](),
		stopCh:   make(chan struct{}),
	}
}

// Start watches the local view and keeps one probe loop per target
func (d *Detector) Start() {
	changes, cancel := d.m.oracle.Subscribe(nil)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()

		ticker := time.NewTicker(d.m.cfg.TableRefreshInterval)
		defer ticker.Stop()

		d.UpdateTargets()
		for {
			select {
			case _, ok := <-changes:
				if !ok {
					return
				}
				d.UpdateTargets()
			case <-ticker.C:
				d.UpdateTargets()
			case <-d.stopCh:
				return
			case <-d.m.Done():
				return
			}
		}
	}()
}

// Stop ends every probe loop
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Targets returns the currently monitored peers
func (d *Detector) Targets() []NodeAddress {
	out := make([]NodeAddress, 0, d.monitors.Size())
	d.monitors.Range(func(addr NodeAddress, _ *monitor) bool {
		out = append(out, addr)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return lessAddress(out[i], out[j]) })
	return out
}

// UpdateTargets recomputes the target set. Miss counters survive for targets that remain.
func (d *Detector) UpdateTargets() {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	var targets []NodeAddress
	if d.m.CurrentStatus().IsFunctional() {
		cfg := d.m.cfg
		targets = SelectProbeTargets(d.m.info.Address, d.m.oracle.Entries(), cfg.ProbeMode,
			cfg.NumProbedNodes, d.m.now(), cfg.DeathVoteExpiration)
	}

	want := make(map[NodeAddress]struct{}, len(targets))
	for _, t := range targets {
		want[t] = struct{}{}
	}

	d.monitors.Range(func(addr NodeAddress, mon *monitor) bool {
		if _, ok := want[addr]; !ok {
			close(mon.stopCh)
			d.monitors.Delete(addr)
			log.Debug().Str("node", addr.String()).Msg("Stopped probing node")
		}
		return true
	})

	for _, t := range targets {
		if _, ok := d.monitors.Load(t); ok {
			continue
		}
		mon := &monitor{target: t, stopCh: make(chan struct{})}
		d.monitors.Store(t, mon)

		d.wg.Add(1)
		go d.runMonitor(mon)
		log.Debug().Str("node", t.String()).Msg("Started probing node")
	}

	telemetry.ProbedNodes.Set(float64(d.monitors.Size()))
}

func (d *Detector) runMonitor(mon *monitor) {
	defer d.wg.Done()

	period := d.m.cfg.ProbeTimeout
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(period))))
	defer timer.Stop()

	for {
		select {
		case <-mon.stopCh:
			return
		case <-d.stopCh:
			return
		case <-d.m.Done():
			return
		case <-timer.C:
		}

		d.checkTarget(d.m.ctx, mon)
		timer.Reset(period)
	}
}

// checkTarget runs one probe round against mon.target and records the outcome
func (d *Detector) checkTarget(ctx context.Context, mon *monitor) {
	switch d.probe(ctx, mon.target) {
	case probeOK:
		if prev := mon.misses.Swap(0); prev > 0 {
			log.Info().Str("node", mon.target.String()).Int32("misses", prev).Msg("Node answered probe again")
		}
		return
	case probeUnknown:
		log.Info().Str("node", mon.target.String()).Msg("Ignoring probe round, only degraded intermediaries reported failure")
		return
	}

	misses := mon.misses.Add(1)
	log.Warn().
		Str("node", mon.target.String()).
		Int32("misses", misses).
		Int("limit", d.m.cfg.NumMissedProbesLimit).
		Msg("Probe missed")

	if int(misses) < d.m.cfg.NumMissedProbesLimit || !d.m.CurrentStatus().IsFunctional() {
		return
	}

	opCtx, cancel := d.m.opContext(ctx)
	defer cancel()
	if _, err := d.m.TryToSuspectOrKill(opCtx, mon.target); err != nil {
		log.Warn().Err(err).Str("node", mon.target.String()).Msg("Failed to record suspicion")
	}
}

// probe tries a direct probe and, when enabled, indirect probes through peers
func (d *Detector) probe(ctx context.Context, target NodeAddress) probeOutcome {
	timeout, score := d.m.health.ProbeTimeout()
	if score > 0 {
		log.Debug().
			Str("node", target.String()).
			Int("health_score", score).
			Dur("timeout", timeout).
			Msg("Extending probe timeout while local health is degraded")
	}

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	err := d.prober.Probe(pctx, target)
	cancel()
	telemetry.ProbeSeconds.With("direct").Observe(time.Since(start).Seconds())

	if err == nil {
		telemetry.ProbesTotal.With("direct", "ok").Inc()
		d.m.health.RecordProbeResponse()
		return probeOK
	}
	telemetry.ProbesTotal.With("direct", "failed").Inc()
	log.Debug().Err(err).Str("node", target.String()).Msg("Direct probe failed")

	if !d.m.cfg.EnableIndirectProbes {
		return probeFailed
	}
	return d.probeIndirect(ctx, target, timeout)
}

// probeIndirect asks up to IndirectProbeFanout random peers to probe target.
// Any success counts. Failures reported only by degraded intermediaries are inconclusive.
func (d *Detector) probeIndirect(ctx context.Context, target NodeAddress, timeout time.Duration) probeOutcome {
	peers := d.m.oracle.FunctionalPeers()
	candidates := peers[:0]
	for _, p := range peers {
		if p != target {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > d.m.cfg.IndirectProbeFanout {
		candidates = candidates[:d.m.cfg.IndirectProbeFanout]
	}
	if len(candidates) == 0 {
		return probeFailed
	}

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, 2*timeout)
	defer cancel()

	results := make([]*future.Future[bool], len(candidates))
	for i, via := range candidates {
		p := future.NewPromise[bool]()
		results[i] = p.Future()
		go func(via NodeAddress) {
			err := d.prober.ProbeIndirect(pctx, via, target, timeout)
			p.Set(err == nil, err)
		}(via)
	}

	ok := false
	degraded := 0
	for _, f := range results {
		answered, err := f.Get()
		if err == nil && answered {
			ok = true
			break
		}
		var de *DegradedIntermediaryError
		if errors.As(err, &de) {
			degraded++
			log.Info().
				Str("node", target.String()).
				Str("intermediary", de.Intermediary.String()).
				Int("health_score", de.Score).
				Msg("Ignoring failure reported by degraded intermediary")
		}
	}
	telemetry.ProbeSeconds.With("indirect").Observe(time.Since(start).Seconds())

	switch {
	case ok:
		telemetry.ProbesTotal.With("indirect", "ok").Inc()
		d.m.health.RecordProbeResponse()
		log.Info().Str("node", target.String()).Msg("Node reachable through indirect probe")
		return probeOK
	case degraded == len(results):
		telemetry.ProbesTotal.With("indirect", "unknown").Inc()
		return probeUnknown
	default:
		telemetry.ProbesTotal.With("indirect", "failed").Inc()
		return probeFailed
	}
}
