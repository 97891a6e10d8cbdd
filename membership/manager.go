package membership

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrJoinExhausted means the node could not commit its own row and must not serve traffic
	ErrJoinExhausted = errors.New("failed to insert own membership row")

	// ErrInvalidTransition is returned for a status change that is not a forward step
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDeclaredDead is returned once the table says this node is dead
	ErrDeclaredDead = errors.New("this node was declared dead")

	// ErrCleanupUnsupported is returned when the store cannot remove defunct rows
	ErrCleanupUnsupported = errors.New("store does not support defunct cleanup")
)

// ProbeMode selects how the failure detector chooses its targets
type ProbeMode string

const (
	// ProbeRing watches a few ring successors plus every suspected node met on the way
	ProbeRing ProbeMode = "ring"
	// ProbeAll watches every functional peer
	ProbeAll ProbeMode = "all"
)

// Config holds the liveness settings of one node
type Config struct {
	HeartbeatInterval    time.Duration
	TableRefreshInterval time.Duration
	TableTimeout         time.Duration

	ProbeTimeout         time.Duration
	NumMissedProbesLimit int
	NumProbedNodes       int
	ProbeMode            ProbeMode
	EnableIndirectProbes bool
	IndirectProbeFanout  int

	// ExtendProbeTimeout multiplies ProbeTimeout by 1 + the local health score
	ExtendProbeTimeout bool

	DeathVoteExpiration time.Duration
	Quorum              Quorum

	UseGossip bool

	// NumMissedHeartbeatsLimit is how many heartbeat intervals a peer may skip before it
	// is reported and stops counting as active for quorum. 0 disables the check.
	NumMissedHeartbeatsLimit int

	MaxJoinAttempts int
	CASAttempts     int
	RetryPause      time.Duration

	DefunctCleanupInterval time.Duration
	DefunctExpiration      time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:        30 * time.Second,
		TableRefreshInterval:     60 * time.Second,
		TableTimeout:             5 * time.Second,
		ProbeTimeout:             10 * time.Second,
		NumMissedProbesLimit:     3,
		NumProbedNodes:           3,
		ProbeMode:                ProbeRing,
		IndirectProbeFanout:      2,
		ExtendProbeTimeout:       true,
		DeathVoteExpiration:      120 * time.Second,
		Quorum:                   DefaultQuorum(),
		UseGossip:                true,
		NumMissedHeartbeatsLimit: 2,
		MaxJoinAttempts:          10,
		CASAttempts:              3,
		RetryPause:               100 * time.Millisecond,
		DefunctExpiration:        7 * 24 * time.Hour,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 || c.TableRefreshInterval <= 0 {
		return fmt.Errorf("heartbeat and refresh intervals must be positive")
	}
	if c.HeartbeatInterval >= c.TableRefreshInterval {
		return fmt.Errorf("heartbeat interval %s must be shorter than table refresh interval %s",
			c.HeartbeatInterval, c.TableRefreshInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.NumMissedProbesLimit < 1 {
		return fmt.Errorf("num missed probes limit must be >= 1")
	}
	if c.ProbeMode != ProbeRing && c.ProbeMode != ProbeAll {
		return fmt.Errorf("unknown probe mode %q", c.ProbeMode)
	}
	if c.ProbeMode == ProbeRing && c.NumProbedNodes < 1 {
		return fmt.Errorf("num probed nodes must be >= 1")
	}
	if c.DeathVoteExpiration <= 0 {
		return fmt.Errorf("death vote expiration must be positive")
	}
	if c.MaxJoinAttempts < 1 || c.CASAttempts < 1 {
		return fmt.Errorf("join and CAS attempts must be >= 1")
	}
	return c.Quorum.Validate()
}

// StabilizationParams extracts the estimator inputs
func (c Config) StabilizationParams() StabilizationParams {
	return StabilizationParams{
		ProbeTimeout:         c.ProbeTimeout,
		NumMissedProbesLimit: c.NumMissedProbesLimit,
		TableRefreshInterval: c.TableRefreshInterval,
		UseGossip:            c.UseGossip,
	}
}

func (c Config) heartbeatAllowance() time.Duration {
	if c.NumMissedHeartbeatsLimit <= 0 {
		return 0
	}
	return c.HeartbeatInterval * time.Duration(c.NumMissedHeartbeatsLimit)
}

// NodeInfo is the identity and metadata this node writes into its row
type NodeInfo struct {
	Address   NodeAddress
	HostName  string
	RoleName  string
	NodeName  string
	StartTime time.Time
}

// Manager owns this node's row in the membership table and runs the
// heartbeat, refresh and cleanup loops.
type Manager struct {
	cfg    Config
	store  Store
	info   NodeInfo
	oracle *Oracle
	gossip *Disseminator
	health *HealthMonitor
	now    func() time.Time

	status   atomic.Int32
	statusMu sync.Mutex

	onSelfDead   func(reason string)
	selfDeadOnce sync.Once

	ctx        context.Context
	cancel     context.CancelFunc
	refreshNow chan struct{}
	started    atomic.Bool
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewManager creates a manager for info backed by store. gossiper may be nil.
func NewManager(cfg Config, store Store, info NodeInfo, gossiper Gossiper) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid liveness config: %w", err)
	}
	if !info.Address.IsValid() {
		return nil, fmt.Errorf("invalid node address %s", info.Address)
	}
	if info.StartTime.IsZero() {
		info.StartTime = time.Now().UTC()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		store:      store,
		info:       info,
		oracle:     NewOracle(info.Address),
		now:        func() time.Time { return time.Now().UTC() },
		ctx:        ctx,
		cancel:     cancel,
		refreshNow: make(chan struct{}, 1),
	}

	gossip, err := NewDisseminator(info.Address, m.oracle, gossiper, cfg.UseGossip, m.RequestRefresh)
	if err != nil {
		cancel()
		return nil, err
	}
	m.gossip = gossip
	m.health = newHealthMonitor(m)
	return m, nil
}

// SetClock replaces the time source. Must be called before Join.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// OnSelfDead registers the callback run once when this node learns it was declared dead
func (m *Manager) OnSelfDead(fn func(reason string)) {
	m.onSelfDead = fn
}

// Self returns this node's address
func (m *Manager) Self() NodeAddress {
	return m.info.Address
}

// Config returns the liveness settings
func (m *Manager) Config() Config {
	return m.cfg
}

// Oracle returns the local view
func (m *Manager) Oracle() *Oracle {
	return m.oracle
}

// Disseminator returns the gossip component
func (m *Manager) Disseminator() *Disseminator {
	return m.gossip
}

// Health returns the local health monitor
func (m *Manager) Health() *HealthMonitor {
	return m.health
}

// CurrentStatus returns the status this node last committed for itself
func (m *Manager) CurrentStatus() Status {
	return Status(m.status.Load())
}

// ClusterView returns the local view snapshot
func (m *Manager) ClusterView() TableData {
	return m.oracle.ClusterView()
}

// ActiveNodes returns the Active nodes of the local view
func (m *Manager) ActiveNodes() []NodeAddress {
	return m.oracle.ActiveNodes()
}

// StabilizationTime estimates cluster convergence with this node's settings
func (m *Manager) StabilizationTime(graceful bool) time.Duration {
	return StabilizationTime(m.cfg.StabilizationParams(), graceful)
}

func (m *Manager) newSelfEntry(status Status) Entry {
	now := m.now()
	return Entry{
		Address:      m.info.Address,
		Status:       status,
		HostName:     m.info.HostName,
		RoleName:     m.info.RoleName,
		NodeName:     m.info.NodeName,
		StartTime:    m.info.StartTime,
		IAmAliveTime: now,
	}
}

// opContext bounds one table operation issued by a background loop.
// A TableTimeout of 0 leaves the operation bounded only by parent.
func (m *Manager) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.TableTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, m.cfg.TableTimeout)
}

// Join initializes the table, retires older incarnations of this endpoint and
// inserts this node as Joining. Exhausting MaxJoinAttempts returns ErrJoinExhausted.
func (m *Manager) Join(ctx context.Context) error {
	self := m.info.Address

	if err := m.store.InitializeMembershipTable(ctx, false); err != nil {
		return fmt.Errorf("failed to initialize membership table: %w", err)
	}

	if err := m.cleanupOldIncarnations(ctx); err != nil {
		log.Warn().Err(err).Str("node", self.String()).Msg("Failed to retire older incarnations")
	}

	entry := m.newSelfEntry(StatusJoining)
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxJoinAttempts; attempt++ {
		joined, err := m.tryInsertSelf(ctx, entry)
		if err != nil && errors.Is(err, ErrDeclaredDead) {
			return err
		}
		if joined {
			telemetry.ClusterJoinTotal.With("success").Inc()
			log.Info().
				Str("node", self.String()).
				Int("attempt", attempt).
				Msg("Joined membership table")
			return nil
		}

		if err != nil {
			lastErr = err
			telemetry.ClusterJoinTotal.With("error").Inc()
			log.Warn().Err(err).Int("attempt", attempt).Msg("Join attempt failed")
		} else {
			telemetry.ClusterJoinTotal.With("conflict").Inc()
			log.Debug().Int("attempt", attempt).Msg("Join attempt lost table version race")
		}

		if attempt < m.cfg.MaxJoinAttempts && !sleepCtx(ctx, jitter(m.cfg.RetryPause*time.Duration(attempt))) {
			return ctx.Err()
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrJoinExhausted, m.cfg.MaxJoinAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrJoinExhausted, m.cfg.MaxJoinAttempts)
}

// tryInsertSelf reads the current version and inserts entry. A row for this
// address that is already present counts as joined.
func (m *Manager) tryInsertSelf(ctx context.Context, entry Entry) (bool, error) {
	data, err := m.store.ReadRow(ctx, entry.Address)
	if err != nil {
		return false, err
	}

	if row, found := data.Get(entry.Address); found {
		if row.Entry.Status == StatusDead {
			return false, ErrDeclaredDead
		}
		m.status.Store(int32(row.Entry.Status))
		m.oracle.ApplyRow(row)
		return true, nil
	}

	ok, err := m.store.InsertRow(ctx, entry, data.Version)
	if err != nil || !ok {
		if err == nil {
			telemetry.CASConflictsTotal.With("insert").Inc()
		}
		return false, err
	}

	m.status.Store(int32(entry.Status))
	m.oracle.ApplyEntry(entry)
	return true, nil
}

// cleanupOldIncarnations declares dead every live row on this endpoint with an older generation
func (m *Manager) cleanupOldIncarnations(ctx context.Context) error {
	self := m.info.Address
	data, err := m.store.ReadAll(ctx)
	if err != nil {
		return err
	}

	for _, row := range data.Rows {
		e := row.Entry
		if !e.Address.SameEndpoint(self) || e.Address.Generation >= self.Generation || e.Status == StatusDead {
			continue
		}

		log.Info().
			Str("node", self.String()).
			Str("old", e.Address.String()).
			Str("status", e.Status.String()).
			Msg("Declaring older incarnation of this endpoint dead")

		if _, err := m.declareDead(ctx, e.Address); err != nil {
			return err
		}
	}
	return nil
}

// declareDead writes Dead for target with bounded CAS retries
func (m *Manager) declareDead(ctx context.Context, target NodeAddress) (bool, error) {
	var written Entry
	ok, err := retryCAS(ctx, m.cfg.CASAttempts, m.cfg.RetryPause, func(ctx context.Context) (bool, error) {
		data, err := m.store.ReadRow(ctx, target)
		if err != nil {
			return false, err
		}
		row, found := data.Get(target)
		if !found || row.Entry.Status == StatusDead {
			return true, nil
		}

		entry := row.Entry.Clone()
		entry.Status = StatusDead
		entry.SuspectTimes = nil
		ok, err := m.store.UpdateRow(ctx, entry, row.ETag, data.Version)
		if ok {
			written = entry
		} else if err == nil {
			telemetry.CASConflictsTotal.With("declare_dead").Inc()
		}
		return ok, err
	})
	if ok && written.Status == StatusDead {
		m.afterDeclaredDead(written)
	}
	return ok, err
}

func (m *Manager) afterDeclaredDead(entry Entry) {
	telemetry.DeathDeclarationsTotal.Inc()
	m.oracle.ApplyEntry(entry)
	m.gossip.Push(entry)
}

// BecomeActive moves this node to Active once it is ready to serve
func (m *Manager) BecomeActive(ctx context.Context) error {
	return m.UpdateStatus(ctx, StatusActive)
}

// ShutDown announces a graceful shutdown, writes Dead and stops the loops
func (m *Manager) ShutDown(ctx context.Context) error {
	return m.terminate(ctx, StatusShuttingDown)
}

// Stop announces a fast stop, writes Dead and stops the loops
func (m *Manager) Stop(ctx context.Context) error {
	return m.terminate(ctx, StatusStopping)
}

func (m *Manager) terminate(ctx context.Context, via Status) error {
	defer m.Kill()

	if cur := m.CurrentStatus(); cur.CanTransitionTo(via) {
		if err := m.UpdateStatus(ctx, via); err != nil {
			return err
		}
	}
	return m.UpdateStatus(ctx, StatusDead)
}

// UpdateStatus writes a forward status change for this node with bounded CAS retries.
// The change is applied to the local view and gossiped.
func (m *Manager) UpdateStatus(ctx context.Context, next Status) error {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	self := m.info.Address
	cur := m.CurrentStatus()
	if cur == next {
		return nil
	}
	if cur == StatusDead {
		return ErrDeclaredDead
	}
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}

	var written Entry
	ok, err := retryCAS(ctx, m.cfg.CASAttempts, m.cfg.RetryPause, func(ctx context.Context) (bool, error) {
		data, err := m.store.ReadRow(ctx, self)
		if err != nil {
			return false, err
		}
		row, found := data.Get(self)
		if !found {
			return false, fmt.Errorf("own row for %s: %w", self, ErrRowNotFound)
		}
		if row.Entry.Status == next {
			written = row.Entry
			return true, nil
		}
		if row.Entry.Status == StatusDead {
			return false, ErrDeclaredDead
		}
		if !row.Entry.Status.CanTransitionTo(next) {
			return false, fmt.Errorf("%w: table has %s, want %s", ErrInvalidTransition, row.Entry.Status, next)
		}

		entry := row.Entry.Clone()
		entry.Status = next
		entry.IAmAliveTime = m.now()
		if next == StatusDead {
			entry.SuspectTimes = nil
		}

		ok, err := m.store.UpdateRow(ctx, entry, row.ETag, data.Version)
		if ok {
			written = entry
		} else if err == nil {
			telemetry.CASConflictsTotal.With("update_status").Inc()
		}
		return ok, err
	})
	if err != nil {
		if errors.Is(err, ErrDeclaredDead) {
			m.handleSelfDead("own row is dead in membership table")
		}
		return fmt.Errorf("failed to update status to %s: %w", next, err)
	}
	if !ok {
		return fmt.Errorf("failed to update status to %s: %w", next, ErrCASExhausted)
	}

	m.status.Store(int32(next))
	m.oracle.ApplyEntry(written)
	m.gossip.Push(written)

	log.Info().
		Str("node", self.String()).
		Str("from", cur.String()).
		Str("to", next.String()).
		Msg("Updated own status")
	return nil
}

// Start launches the heartbeat, refresh and cleanup loops
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}

	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.refreshLoop()

	if m.cfg.DefunctCleanupInterval > 0 {
		if _, ok := m.store.(DefunctCleaner); ok {
			m.wg.Add(1)
			go m.cleanupLoop()
		} else {
			log.Warn().Msg("Defunct cleanup configured but store does not support it")
		}
	}
}

// Kill stops all loops without writing to the table
func (m *Manager) Kill() {
	m.stopOnce.Do(func() {
		m.cancel()
	})
	m.wg.Wait()
}

// Done is closed once the manager was killed or stopped
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

func (m *Manager) handleSelfDead(reason string) {
	m.selfDeadOnce.Do(func() {
		m.status.Store(int32(StatusDead))
		log.Error().
			Str("node", m.info.Address.String()).
			Str("reason", reason).
			Msg("This node was declared dead, stopping membership")

		go m.Kill()
		if m.onSelfDead != nil {
			m.onSelfDead(reason)
		}
	})
}

// RequestRefresh asks the refresh loop to read the table now
func (m *Manager) RequestRefresh() {
	select {
	case m.refreshNow <- struct{}{}:
	default:
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := m.opContext(m.ctx)
			if err := m.Heartbeat(ctx); err != nil {
				log.Warn().Err(err).Msg("Heartbeat failed")
			}
			cancel()
		case <-m.ctx.Done():
			return
		}
	}
}

// Heartbeat writes this node's IAmAliveTime
func (m *Manager) Heartbeat(ctx context.Context) error {
	now := m.now()
	entry := Entry{Address: m.info.Address, IAmAliveTime: now}

	if err := m.store.UpdateIAmAlive(ctx, entry); err != nil {
		telemetry.HeartbeatsTotal.With("error").Inc()
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	telemetry.HeartbeatsTotal.With("ok").Inc()

	if cached, ok := m.oracle.Get(m.info.Address); ok {
		cached.IAmAliveTime = now
		m.oracle.ApplyEntry(cached)
	}
	return nil
}

// refreshBackoff is the delay before the next refresh after consecutive failures
func refreshBackoff(interval time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}

	ceiling := interval * 4
	delay := interval / 8
	if delay <= 0 {
		delay = time.Millisecond
	}
	for i := 1; i < failures && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

// refreshJitter spreads refreshes of different nodes by up to 10% either way
func refreshJitter(interval time.Duration) time.Duration {
	spread := int64(interval / 10)
	if spread <= 0 {
		return interval
	}
	return interval - time.Duration(spread) + time.Duration(rand.Int63n(2*spread))
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()

	failures := 0
	delay := refreshJitter(m.cfg.TableRefreshInterval)
	for {
		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-m.refreshNow:
			timer.Stop()
		case <-timer.C:
		}

		ctx, cancel := m.opContext(m.ctx)
		err := m.Refresh(ctx)
		cancel()

		if err != nil {
			if errors.Is(err, ErrDeclaredDead) {
				return
			}
			failures++
			delay = refreshBackoff(m.cfg.TableRefreshInterval, failures)
			log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("Table refresh failed")
			continue
		}
		failures = 0
		delay = refreshJitter(m.cfg.TableRefreshInterval)
	}
}

// Refresh reads the whole table, merges it into the local view and acts on it:
// gossips observed status changes, reports missed heartbeats, checks this
// node's own row and declares dead every node whose votes already reach quorum.
func (m *Manager) Refresh(ctx context.Context) error {
	data, err := m.store.ReadAll(ctx)
	if err != nil {
		telemetry.TableRefreshesTotal.With("error").Inc()
		return fmt.Errorf("failed to read membership table: %w", err)
	}
	telemetry.TableRefreshesTotal.With("ok").Inc()

	data = data.WithoutDuplicateDeads()
	changes := m.oracle.ApplySnapshot(data)
	for _, c := range changes {
		if c.Address != m.info.Address {
			m.gossip.Push(c.Entry)
		}
	}

	now := m.now()
	m.checkMissedHeartbeats(data, now)

	if err := m.checkSelf(data); err != nil {
		return err
	}

	if score, complaints := m.health.Check(now); score > 0 && m.CurrentStatus() == StatusActive {
		log.Warn().
			Int("score", score).
			Int("max", MaxHealthScore).
			Strs("complaints", complaints).
			Msg("Local health is degraded")
	}

	if m.CurrentStatus().IsFunctional() {
		m.evaluateQuorum(ctx, data, now)
	}
	return nil
}

func (m *Manager) checkMissedHeartbeats(data TableData, now time.Time) {
	allowed := m.cfg.heartbeatAllowance()
	if allowed <= 0 {
		return
	}

	for _, row := range data.Rows {
		e := row.Entry
		if e.Address == m.info.Address || e.Status != StatusActive {
			continue
		}
		if e.HasMissedHeartbeats(now, allowed) {
			telemetry.MissedHeartbeatsTotal.Inc()
			log.Warn().
				Str("node", e.Address.String()).
				Time("last_heartbeat", e.LastHeartbeat()).
				Dur("silent_for", now.Sub(e.LastHeartbeat())).
				Dur("allowed", allowed).
				Msg("Node has not updated its heartbeat recently")
		}
	}
}

// checkSelf kills this node locally when the table says it is dead or a newer
// incarnation took over its endpoint.
func (m *Manager) checkSelf(data TableData) error {
	self := m.info.Address
	for _, row := range data.Rows {
		e := row.Entry
		if !e.Address.SameEndpoint(self) {
			continue
		}

		switch {
		case e.Address == self && e.Status == StatusDead:
			m.handleSelfDead("own row is dead in membership table")
			return ErrDeclaredDead
		case e.Address.Generation > self.Generation:
			m.handleSelfDead(fmt.Sprintf("newer incarnation %s owns this endpoint", e.Address))
			return ErrDeclaredDead
		}
	}
	return nil
}

func (m *Manager) evaluateQuorum(ctx context.Context, data TableData, now time.Time) {
	for _, row := range data.Rows {
		e := row.Entry
		if e.Address == m.info.Address || e.Status == StatusDead {
			continue
		}

		fresh := len(e.FreshVotes(now, m.cfg.DeathVoteExpiration))
		if fresh == 0 {
			continue
		}
		if fresh < m.cfg.Quorum.Required(m.activeCount(data, e.Address, now)) {
			continue
		}

		if _, err := m.TryKill(ctx, e.Address); err != nil {
			log.Warn().Err(err).Str("node", e.Address.String()).Msg("Failed to declare node dead")
		}
	}
}

// activeCount counts Active rows that still heartbeat. Self and target always count when Active.
func (m *Manager) activeCount(data TableData, target NodeAddress, now time.Time) int {
	allowed := m.cfg.heartbeatAllowance()
	n := 0
	for _, row := range data.Rows {
		e := row.Entry
		if e.Status != StatusActive {
			continue
		}
		if e.Address == m.info.Address || e.Address == target || allowed <= 0 || !e.HasMissedHeartbeats(now, allowed) {
			n++
		}
	}
	return n
}

// TryToSuspectOrKill votes against target, or declares it dead when this vote
// completes the quorum. A lost CAS is re-read and retried once, then abandoned.
// false means both attempts lost their race.
func (m *Manager) TryToSuspectOrKill(ctx context.Context, target NodeAddress) (bool, error) {
	ok, err := retryCAS(ctx, 2, m.cfg.RetryPause, func(ctx context.Context) (bool, error) {
		return m.suspectOrKill(ctx, target, true)
	})
	if err == nil && !ok {
		log.Info().Str("node", target.String()).Msg("Abandoning suspicion round after repeated conflicts")
	}
	return ok, err
}

// TryKill declares target dead only if its fresh votes already reach quorum
func (m *Manager) TryKill(ctx context.Context, target NodeAddress) (bool, error) {
	return retryCAS(ctx, 2, m.cfg.RetryPause, func(ctx context.Context) (bool, error) {
		return m.suspectOrKill(ctx, target, false)
	})
}

func (m *Manager) suspectOrKill(ctx context.Context, target NodeAddress, vote bool) (bool, error) {
	self := m.info.Address
	if target == self {
		return true, nil
	}

	data, err := m.store.ReadAll(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read membership table: %w", err)
	}

	if mine, ok := data.Get(self); ok && mine.Entry.Status == StatusDead {
		m.handleSelfDead("own row is dead in membership table")
		return false, ErrDeclaredDead
	}

	row, found := data.Get(target)
	if !found {
		log.Debug().Str("node", target.String()).Msg("Suspected node not in membership table")
		return true, nil
	}
	if row.Entry.Status == StatusDead {
		m.oracle.ApplyRow(row)
		return true, nil
	}

	now := m.now()
	window := m.cfg.DeathVoteExpiration
	fresh := row.Entry.FreshVotes(now, window)
	votes := len(fresh)
	if vote && !row.Entry.HasVoteFrom(self, now, window) {
		votes++
	}
	required := m.cfg.Quorum.Required(m.activeCount(data, target, now))

	entry := row.Entry.Clone()
	declare := votes >= required
	switch {
	case declare:
		entry.Status = StatusDead
		entry.SuspectTimes = nil
	case vote:
		entry.AddSuspector(self, now, window)
	default:
		return true, nil
	}

	ok, err := m.store.UpdateRow(ctx, entry, row.ETag, data.Version)
	if err != nil {
		return false, fmt.Errorf("failed to update row of %s: %w", target, err)
	}
	if !ok {
		op := "suspect"
		if declare {
			op = "declare_dead"
		}
		telemetry.CASConflictsTotal.With(op).Inc()
		return false, nil
	}

	if declare {
		log.Info().
			Str("node", target.String()).
			Int("votes", votes).
			Int("required", required).
			Msg("Declared node dead")
		m.afterDeclaredDead(entry)
		return true, nil
	}

	telemetry.SuspicionVotesTotal.Inc()
	log.Info().
		Str("node", target.String()).
		Int("votes", votes).
		Int("required", required).
		Msg("Voted node as suspect")
	m.oracle.ApplyEntry(entry)
	return true, nil
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DefunctCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := m.opContext(m.ctx)
			if err := m.CleanupDefunct(ctx, m.cfg.DefunctExpiration); err != nil {
				log.Warn().Err(err).Msg("Defunct cleanup failed")
			}
			cancel()
		case <-m.ctx.Done():
			return
		}
	}
}

// CleanupDefunct removes non-active rows whose last heartbeat is older than olderThan
func (m *Manager) CleanupDefunct(ctx context.Context, olderThan time.Duration) error {
	cleaner, ok := m.store.(DefunctCleaner)
	if !ok {
		return ErrCleanupUnsupported
	}

	before := m.now().Add(-olderThan)
	if err := cleaner.CleanupDefunctEntries(ctx, before); err != nil {
		telemetry.DefunctCleanupsTotal.With("error").Inc()
		return fmt.Errorf("failed to clean up defunct entries: %w", err)
	}
	telemetry.DefunctCleanupsTotal.With("ok").Inc()
	log.Info().Time("before", before).Msg("Cleaned up defunct membership entries")
	return nil
}
