package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SynidSweet/the-system/pkg/models"
)

// recordingStore captures appended batches and counter upserts; it can be
// told to fail the next append.
type recordingStore struct {
	mu       sync.Mutex
	batches  [][]*models.Event
	counters []*models.ReviewCounter
	failNext bool
}

func (s *recordingStore) AppendEvents(_ context.Context, batch []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("store unavailable")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingStore) UpsertReviewCounter(_ context.Context, counter *models.ReviewCounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = append(s.counters, counter)
	return nil
}

func (s *recordingStore) allEvents() []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func newTestLedger(store Store, cfg Config) *Ledger {
	l := New(store, cfg)
	l.sample = func() float64 { return 0 } // record everything by default
	return l
}

func kinds(events []*models.Event) []models.EventKind {
	out := make([]models.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestFlushOnBatchSize(t *testing.T) {
	store := &recordingStore{}
	l := newTestLedger(store, Config{BatchSize: 3, FlushInterval: time.Hour})
	l.Start()
	defer l.Stop(context.Background())

	for i := 0; i < 3; i++ {
		l.Record(&models.Event{Kind: models.EventTaskCreated, EntityType: models.EntityTask, EntityID: "1"})
	}

	require.Eventually(t, func() bool {
		return len(store.allEvents()) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestStopDrainsBuffer(t *testing.T) {
	store := &recordingStore{}
	l := newTestLedger(store, Config{BatchSize: 100, FlushInterval: time.Hour})
	l.Start()

	l.Record(&models.Event{Kind: models.EventTaskCreated, EntityType: models.EntityTask, EntityID: "1"})
	l.Stop(context.Background())

	assert.Len(t, store.allEvents(), 1)
}

func TestRebufferOnFlushFailure(t *testing.T) {
	store := &recordingStore{failNext: true}
	l := newTestLedger(store, Config{BatchSize: 100, FlushInterval: time.Hour})

	l.Record(&models.Event{Kind: models.EventTaskCreated, EntityType: models.EntityTask, EntityID: "1"})
	l.Flush(context.Background())
	assert.Empty(t, store.allEvents()) // write failed, event re-buffered

	l.Flush(context.Background())
	assert.Len(t, store.allEvents(), 1) // retried on the next drain
}

func TestSamplingDropsRecordingButFeedsCounters(t *testing.T) {
	store := &recordingStore{}
	l := newTestLedger(store, Config{BatchSize: 100, FlushInterval: time.Hour})
	l.sample = func() float64 { return 0.99 } // above every sampling rate

	l.Record(&models.Event{Kind: models.EventToolCalled, EntityType: models.EntityTool, EntityID: "end_task"})
	l.Flush(context.Background())

	assert.Empty(t, store.allEvents())
	require.Len(t, store.counters, 1)
	assert.Equal(t, models.CounterUsage, store.counters[0].Kind)
	assert.Equal(t, 1, store.counters[0].Count)
}

func TestAlwaysRecordedKindsBypassSampling(t *testing.T) {
	store := &recordingStore{}
	l := newTestLedger(store, Config{BatchSize: 100, FlushInterval: time.Hour})
	l.sample = func() float64 { return 0.99 }

	l.Record(&models.Event{Kind: models.EventSystemError, EntityType: models.EntitySystem, EntityID: "runtime"})
	l.Flush(context.Background())

	assert.Len(t, store.allEvents(), 1)
}

func TestCounterThresholdTriggersReview(t *testing.T) {
	store := &recordingStore{}
	l := newTestLedger(store, Config{
		BatchSize:     100,
		FlushInterval: time.Hour,
		Thresholds:    map[models.CounterKind]int{models.CounterFailure: 2},
	})

	l.Record(&models.Event{Kind: models.EventToolFailed, EntityType: models.EntityTool, EntityID: "read_document"})
	l.Record(&models.Event{Kind: models.EventToolFailed, EntityType: models.EntityTool, EntityID: "read_document"})
	l.Flush(context.Background())

	events := store.allEvents()
	assert.Contains(t, kinds(events), models.EventReviewTriggered)

	// Counter reset after the review fired
	store.mu.Lock()
	last := store.counters[len(store.counters)-1]
	store.mu.Unlock()
	assert.Equal(t, 0, last.Count)
	assert.NotNil(t, last.LastReview)
}

func TestRepeatedFailuresOpportunity(t *testing.T) {
	store := &recordingStore{}
	l := newTestLedger(store, Config{BatchSize: 100, FlushInterval: time.Hour})

	for i := 0; i < 3; i++ {
		l.Record(&models.Event{
			Kind:       models.EventProcessFailed,
			EntityType: models.EntityProcess,
			EntityID:   "break_down_task",
			Outcome:    models.OutcomeFailure,
		})
	}
	l.Flush(context.Background())

	var opp *models.Event
	for _, e := range store.allEvents() {
		if e.Kind == models.EventOptimizationOpportunity {
			opp = e
		}
	}
	require.NotNil(t, opp)
	assert.Equal(t, "repeated_failures", opp.Data["type"])
}

func TestPerformanceDegradationOpportunity(t *testing.T) {
	store := &recordingStore{}
	l := newTestLedger(store, Config{BatchSize: 100, FlushInterval: time.Hour})

	// Establish a 100ms baseline with successful runs.
	for i := 0; i < 5; i++ {
		l.Record(&models.Event{
			Kind:       models.EventProcessExecuted,
			EntityType: models.EntityProcess,
			EntityID:   "end_task",
			Outcome:    models.OutcomeSuccess,
			Duration:   100 * time.Millisecond,
		})
	}

	// A run at 3x the baseline crosses the 1.5x bar.
	l.Record(&models.Event{
		Kind:       models.EventProcessExecuted,
		EntityType: models.EntityProcess,
		EntityID:   "end_task",
		Outcome:    models.OutcomeSuccess,
		Duration:   300 * time.Millisecond,
	})
	l.Flush(context.Background())

	var opp *models.Event
	for _, e := range store.allEvents() {
		if e.Kind == models.EventOptimizationOpportunity {
			opp = e
		}
	}
	require.NotNil(t, opp)
	assert.Equal(t, "performance_degradation", opp.Data["type"])
	assert.Equal(t, int64(300), opp.Data["observed_ms"])
}
