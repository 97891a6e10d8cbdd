package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/membership"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the membership publisher
type RegistryConfig struct {
	DataDir     string // parent of publish_log/
	ClusterID   string
	SinkConfigs []cfg.SinkConfiguration
}

// Registry records oracle changes in the publish log and runs one worker per sink
type Registry struct {
	clusterID string
	log       *PublishLog
	workers   []*Worker
	running   atomic.Bool
	mu        sync.Mutex
	now       func() time.Time
}

// NewRegistry opens the publish log and builds a worker for each configured sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	pubLog, err := NewPublishLog(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	r := &Registry{
		clusterID: config.ClusterID,
		log:       pubLog,
		workers:   make([]*Worker, 0, len(config.SinkConfigs)),
		now:       time.Now,
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := r.AddSink(sinkCfg); err != nil {
			for _, w := range r.workers {
				w.config.Sink.Close()
			}
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("sinks", len(r.workers)).Msg("Membership publisher initialized")
	return r, nil
}

// AddSink creates the sink, encoder and filter for config and wires a worker
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enc, err := NewEncoder(config.Format)
	if err != nil {
		return err
	}

	filter, err := NewGlobFilter(config.FilterRoles, config.FilterHosts)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Encoder:         enc,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added membership sink")
	return nil
}

// Observe records every status change seen by oracle while the registry runs
func (r *Registry) Observe(oracle *membership.Oracle) {
	observer := oracle.Self().String()
	oracle.OnChange(func(c membership.Change) {
		if !r.running.Load() {
			return
		}
		event := r.eventFor(c, observer)
		if err := r.Append([]MembershipEvent{event}); err != nil {
			log.Warn().Err(err).Str("node", event.Address).Msg("Failed to record membership change")
		}
	})
}

func (r *Registry) eventFor(c membership.Change, observer string) MembershipEvent {
	prev := ""
	if c.Previous != membership.StatusNone {
		prev = c.Previous.String()
	}
	return MembershipEvent{
		ClusterID:  r.clusterID,
		Address:    c.Address.String(),
		Previous:   prev,
		Current:    c.Current.String(),
		HostName:   c.Entry.HostName,
		RoleName:   c.Entry.RoleName,
		ObservedBy: observer,
		Timestamp:  r.now().UnixMilli(),
	}
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	for _, w := range r.workers {
		w.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers, closes their sinks and the publish log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, w := range r.workers {
		w.Stop()
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
		}
	}

	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
	}
	log.Info().Msg("Membership publisher stopped")
}

// Append adds events to the publish log
func (r *Registry) Append(events []MembershipEvent) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	return r.log.Append(events)
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, ok := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory creates a Sink from its configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type, usually from an init func
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
