package telemetry

import (
	"sync"
	"time"
)

// ViewProvider exposes the local membership view to the collector
type ViewProvider interface {
	StatusCounts() map[string]int
	TableVersion() int64
}

// MetricsCollector periodically samples the membership view into gauges
type MetricsCollector struct {
	view     ViewProvider
	statuses []string
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. statuses lists every
// gauge label to report so that emptied statuses drop back to zero.
func NewMetricsCollector(view ViewProvider, statuses []string, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		view:     view,
		statuses: statuses,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.view == nil {
		return
	}

	UpdateClusterNodes(mc.view.StatusCounts(), mc.statuses)
	TableVersion.Set(float64(mc.view.TableVersion()))
}
