// Package ledger buffers runtime events and writes them durably in batches.
// Every event additionally feeds the review-counter subsystem and two inline
// optimization checks (repeated failures, duration regressions).
package ledger

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/SynidSweet/the-system/pkg/models"
)

// Store is the slice of the entity store the ledger writes to.
type Store interface {
	AppendEvents(ctx context.Context, batch []*models.Event) error
	UpsertReviewCounter(ctx context.Context, counter *models.ReviewCounter) error
}

// Config controls batching and counter thresholds.
type Config struct {
	// BatchSize triggers a drain when the buffer reaches this many events.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval triggers a drain when the oldest buffered event exceeds
	// this age.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// Thresholds maps counter kinds to the count at which a review fires.
	Thresholds map[models.CounterKind]int `yaml:"thresholds"`
}

// DefaultConfig returns the standard batching and threshold settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
		Thresholds: map[models.CounterKind]int{
			models.CounterUsage:       100,
			models.CounterSuccess:     50,
			models.CounterFailure:     10,
			models.CounterError:       5,
			models.CounterDegradation: 5,
		},
	}
}

// sampleRates are the per-kind recording probabilities for high-volume
// kinds. Kinds in alwaysRecord are written in full; kinds absent from both
// use defaultSampleRate.
var sampleRates = map[models.EventKind]float64{
	models.EventToolCalled:    0.10,
	models.EventToolCompleted: 0.10,
	models.EventToolFailed:    0.10,
	models.EventAgentPrompt:   0.20,
}

const defaultSampleRate = 0.50

// alwaysRecord holds entity-lifecycle, optimization, review, and
// system-error kinds, which are never sampled out.
var alwaysRecord = map[models.EventKind]bool{
	models.EventTaskCreated:             true,
	models.EventTaskStarted:             true,
	models.EventTaskCompleted:           true,
	models.EventTaskFailed:              true,
	models.EventDependencyFailed:        true,
	models.EventReviewTriggered:         true,
	models.EventOptimizationOpportunity: true,
	models.EventSystemWarning:           true,
	models.EventSystemError:             true,
	models.EventUserMessage:             true,
}

// Ledger is the buffered event sink. Safe for concurrent use.
type Ledger struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	// sample returns a uniform [0,1) draw. Injectable for tests.
	sample func() float64

	mu       sync.Mutex
	buffer   []*models.Event
	oldestAt time.Time

	counters  *counterSet
	checks    *optimizationChecks
	flushCh   chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

// New creates a ledger writing to store. Call Start to run the background
// flusher and Stop to drain on shutdown.
func New(store Store, cfg Config) *Ledger {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultConfig().Thresholds
	}
	return &Ledger{
		cfg:      cfg,
		store:    store,
		logger:   slog.Default().With("component", "ledger"),
		sample:   rand.Float64,
		counters: newCounterSet(store, cfg.Thresholds),
		checks:   newOptimizationChecks(),
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background flusher.
func (l *Ledger) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Stop drains the buffer and stops the flusher. Idempotent.
func (l *Ledger) Stop(ctx context.Context) {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		select {
		case <-l.done:
		case <-ctx.Done():
			l.logger.Warn("ledger stop timed out before final flush completed")
		}
	})
}

// Record accepts an event: it feeds the counter subsystem and optimization
// checks unconditionally, then buffers the event for durable write subject to
// the sampling policy. Follow-up events produced by the counters and checks
// (review_triggered, optimization_opportunity) are recorded recursively.
func (l *Ledger) Record(evt *models.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	followups := l.counters.observe(evt)
	followups = append(followups, l.checks.observe(evt)...)

	if l.shouldRecord(evt.Kind) {
		l.buffered(evt)
	} else {
		eventsSampledOut.Inc()
	}

	for _, f := range followups {
		f.TreeID = evt.TreeID
		l.Record(f)
	}
}

// shouldRecord applies the sampling policy.
func (l *Ledger) shouldRecord(kind models.EventKind) bool {
	if alwaysRecord[kind] {
		return true
	}
	rate, ok := sampleRates[kind]
	if !ok {
		rate = defaultSampleRate
	}
	return l.sample() < rate
}

func (l *Ledger) buffered(evt *models.Event) {
	eventsRecorded.WithLabelValues(string(evt.Kind)).Inc()

	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.oldestAt = time.Now()
	}
	l.buffer = append(l.buffer, evt)
	full := len(l.buffer) >= l.cfg.BatchSize
	bufferSize.Set(float64(len(l.buffer)))
	l.mu.Unlock()

	if full {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

// run is the background flusher loop.
func (l *Ledger) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flushIfAged()
		case <-l.flushCh:
			l.Flush(context.Background())
		case <-l.stopCh:
			l.Flush(context.Background())
			return
		}
	}
}

// flushIfAged drains when the oldest buffered event exceeds FlushInterval.
func (l *Ledger) flushIfAged() {
	l.mu.Lock()
	aged := len(l.buffer) > 0 && time.Since(l.oldestAt) >= l.cfg.FlushInterval
	l.mu.Unlock()
	if aged {
		l.Flush(context.Background())
	}
}

// Flush drains the buffer to the store. On write failure the batch is
// re-prepended so no event is silently lost.
func (l *Ledger) Flush(ctx context.Context) {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buffer
	l.buffer = nil
	bufferSize.Set(0)
	l.mu.Unlock()

	if err := l.store.AppendEvents(ctx, batch); err != nil {
		flushFailures.Inc()
		l.logger.Error("event flush failed, re-buffering batch",
			"error", err, "batch_size", len(batch))
		l.mu.Lock()
		if len(l.buffer) == 0 {
			l.oldestAt = time.Now()
		}
		l.buffer = append(batch, l.buffer...)
		bufferSize.Set(float64(len(l.buffer)))
		l.mu.Unlock()
		return
	}
	flushes.Inc()
	l.logger.Debug("flushed events", "count", len(batch))
}
