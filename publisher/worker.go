package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
	DefaultTopicPrefix     = "burrow.membership"
)

// WorkerConfig configures the delivery loop of one sink
type WorkerConfig struct {
	Name            string      // Sink name (cursor key)
	Log             *PublishLog // Source of events
	Sink            Sink
	Encoder         Encoder
	Filter          Filter
	TopicPrefix     string // Topic is {TopicPrefix}.{ClusterID}
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Worker tails the publish log from its cursor and delivers matching events to its sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config, fills defaults and resumes from the persisted cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	switch {
	case config.Name == "":
		return nil, fmt.Errorf("worker name is required")
	case config.Log == nil:
		return nil, fmt.Errorf("publish log is required")
	case config.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	case config.Encoder == nil:
		return nil, fmt.Errorf("encoder is required")
	case config.Filter == nil:
		return nil, fmt.Errorf("filter is required")
	}

	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// a new sink starts at whatever the log still holds
	if cursor == 0 {
		events, err := config.Log.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		if len(events) > 0 {
			cursor = events[0].SeqNum - 1
		}
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the poll loop; calling it twice is a no-op
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting membership publisher worker")

	go w.pollLoop()
}

// Stop interrupts retries and waits for the loop to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Msg("Membership publisher worker stopped")
}

// Cursor returns the last delivered or skipped sequence
func (w *Worker) Cursor() uint64 {
	return atomic.LoadUint64(&w.cursor)
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.Cursor(), w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("sink", w.config.Name).
				Uint64("cursor", w.Cursor()).
				Msg("Failed to read from publish log")
			w.sleep(w.config.PollInterval)
			continue
		}

		if len(events) == 0 {
			w.sleep(w.config.PollInterval)
			continue
		}

		for _, event := range events {
			if err := w.processEvent(event); err != nil {
				// cursor stays put; the event is retried on the next start
				log.Error().
					Err(err).
					Str("sink", w.config.Name).
					Uint64("seq", event.SeqNum).
					Msg("Giving up on membership event")
				return
			}
			atomic.StoreUint64(&w.cursor, event.SeqNum)
		}
	}
}

// processEvent delivers at least once: publish, then advance the cursor.
// Filtered events only advance the cursor.
func (w *Worker) processEvent(event MembershipEvent) error {
	if !w.config.Filter.Match(event.RoleName, event.HostName) {
		w.advance(event.SeqNum)
		return nil
	}

	data, err := w.config.Encoder.Encode(event)
	if err != nil {
		telemetry.PublishedEventsTotal.With(w.config.Name, "encode_error").Inc()
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := w.publishWithRetry(w.topic(event.ClusterID), event.Address, data); err != nil {
		telemetry.PublishedEventsTotal.With(w.config.Name, "failed").Inc()
		return err
	}
	telemetry.PublishedEventsTotal.With(w.config.Name, "ok").Inc()

	w.advance(event.SeqNum)
	return nil
}

func (w *Worker) advance(seq uint64) {
	if err := w.config.Log.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to advance cursor, event may be redelivered")
	}
}

func (w *Worker) topic(clusterID string) string {
	if clusterID == "" {
		return w.config.TopicPrefix
	}
	return w.config.TopicPrefix + "." + clusterID
}

// publishWithRetry backs off exponentially until success, MaxRetries or Stop
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial

	for attempt := 1; ; attempt++ {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		if attempt >= w.config.MaxRetries {
			return fmt.Errorf("exhausted %d attempts publishing to %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Failed to publish membership event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = min(time.Duration(float64(delay)*w.config.RetryMultiplier), w.config.RetryMax)
	}
}

// sleep returns false when interrupted by Stop
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
