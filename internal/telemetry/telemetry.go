package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric names recorded by a migration run.
const (
	StepDuration   = "step_duration"
	GasUsed        = "gas_used"
	Transactions   = "transactions_total"
	StepFailures   = "step_failures_total"
	RunDuration    = "run_duration"
	// StepsCompleted is a gauge of deployments plus bindings done so far.
	StepsCompleted = "steps_completed"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector keeps every metric of a run in memory. Flush logs the ones not
// yet logged; WriteJSON exports all of them.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	logged  int
	enabled bool
	flushCh chan struct{}
	cancel  context.CancelFunc
}

// flushEvery bounds how long metrics of a slow deployment stay unlogged.
const flushEvery = 30 * time.Second

// NewCollector creates a collector. Disabled collectors drop everything.
func NewCollector(enabled bool) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		enabled: enabled,
		flushCh: make(chan struct{}, 1),
		cancel:  cancel,
	}
	if enabled {
		go c.periodicFlush(ctx)
	}
	return c
}

// Counter adds value to a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

// Time starts a timer; the returned func records it.
func (c *Collector) Time(name string, labels map[string]string) func() {
	start := time.Now()
	return func() { c.Timer(name, time.Since(start), labels) }
}

func (c *Collector) add(m Metric) {
	if !c.enabled {
		return
	}
	m.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)

	if len(c.metrics)-c.logged >= 100 {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Metrics returns a copy of everything recorded so far
func (c *Collector) Metrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Sum totals the values of every metric called name.
func (c *Collector) Sum(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total float64
	for _, m := range c.metrics {
		if m.Name == name {
			total += m.Value
		}
	}
	return total
}

// Flush logs metrics recorded since the previous flush
func (c *Collector) Flush() {
	c.mu.Lock()
	pending := make([]Metric, len(c.metrics)-c.logged)
	copy(pending, c.metrics[c.logged:])
	c.logged = len(c.metrics)
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	log.Debug().Int("count", len(pending)).Msg("Flushing telemetry metrics")
	for _, m := range pending {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Time("timestamp", m.Timestamp).
			Msg("telemetry_metric")
	}
}

// WriteJSON writes every recorded metric as an indented JSON array
func (c *Collector) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	metrics := c.Metrics()
	if metrics == nil {
		metrics = []Metric{}
	}
	return enc.Encode(metrics)
}

// WriteFile exports the metrics to path
func (c *Collector) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	if err := c.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	return f.Close()
}

func (c *Collector) periodicFlush(ctx context.Context) {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush()
		case <-c.flushCh:
			c.Flush()
		}
	}
}

// Shutdown stops the background flusher and logs what is left
func (c *Collector) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.Flush()
}

var globalCollector *Collector

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) *Collector {
	globalCollector = NewCollector(enabled)
	return globalCollector
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// Shutdown shuts down the global collector
func Shutdown() {
	if globalCollector != nil {
		globalCollector.Shutdown()
	}
}
