package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SynidSweet/the-system/pkg/models"
)

// counterIncrements maps event kinds to the counters they bump.
var counterIncrements = map[models.EventKind]models.CounterKind{
	models.EventToolCalled:    models.CounterUsage,
	models.EventToolCompleted: models.CounterSuccess,
	models.EventTaskCompleted: models.CounterSuccess,
	models.EventToolFailed:    models.CounterFailure,
	models.EventTaskFailed:    models.CounterFailure,
	models.EventSystemError:   models.CounterError,
}

// counterSet maintains the review counters in memory and mirrors every
// change to the store. When a counter reaches its threshold a
// review_triggered event is produced and the counter resets.
type counterSet struct {
	store      Store
	thresholds map[models.CounterKind]int
	logger     *slog.Logger

	mu       sync.Mutex
	counters map[models.CounterKey]*models.ReviewCounter
}

func newCounterSet(store Store, thresholds map[models.CounterKind]int) *counterSet {
	return &counterSet{
		store:      store,
		thresholds: thresholds,
		logger:     slog.Default().With("component", "review_counters"),
		counters:   make(map[models.CounterKey]*models.ReviewCounter),
	}
}

// observe applies the event's counter increment, if any, and returns the
// review_triggered event when a threshold is reached.
func (cs *counterSet) observe(evt *models.Event) []*models.Event {
	kind, ok := counterIncrements[evt.Kind]
	if !ok || evt.EntityID == "" {
		return nil
	}

	cs.mu.Lock()
	key := models.CounterKey{EntityType: evt.EntityType, EntityID: evt.EntityID, Kind: kind}
	counter, ok := cs.counters[key]
	if !ok {
		counter = &models.ReviewCounter{
			EntityType: evt.EntityType,
			EntityID:   evt.EntityID,
			Kind:       kind,
			Threshold:  cs.thresholds[kind],
		}
		cs.counters[key] = counter
	}
	counter.Count++

	var review *models.Event
	if counter.Threshold > 0 && counter.Count >= counter.Threshold {
		review = &models.Event{
			Kind:       models.EventReviewTriggered,
			EntityType: counter.EntityType,
			EntityID:   counter.EntityID,
			Data: map[string]any{
				"counter_kind": string(counter.Kind),
				"count":        counter.Count,
				"threshold":    counter.Threshold,
			},
		}
		now := time.Now().UTC()
		counter.Count = 0
		counter.LastReview = &now
	}
	snapshot := *counter
	cs.mu.Unlock()

	if err := cs.store.UpsertReviewCounter(context.Background(), &snapshot); err != nil {
		cs.logger.Warn("failed to persist review counter",
			"entity_id", snapshot.EntityID, "kind", snapshot.Kind, "error", err)
	}
	if review == nil {
		return nil
	}
	return []*models.Event{review}
}

const (
	failureWindow      = time.Hour
	failureThreshold   = 3
	baselineWindow     = 7 * 24 * time.Hour
	baselineMinSamples = 5
	baselineFactor     = 1.5
)

type entityKey struct {
	entityType models.EntityType
	entityID   string
}

type baselineKey struct {
	kind       models.EventKind
	entityType models.EntityType
	entityID   string
}

type durationSample struct {
	at time.Time
	d  time.Duration
}

// optimizationChecks watches the event stream for repeated failures and
// duration regressions. Baselines live in memory only; a single-process
// runtime rebuilds them as traffic flows.
type optimizationChecks struct {
	mu        sync.Mutex
	failures  map[entityKey][]time.Time
	baselines map[baselineKey][]durationSample
}

func newOptimizationChecks() *optimizationChecks {
	return &optimizationChecks{
		failures:  make(map[entityKey][]time.Time),
		baselines: make(map[baselineKey][]durationSample),
	}
}

// observe runs both inline checks and returns any optimization_opportunity
// events produced.
func (oc *optimizationChecks) observe(evt *models.Event) []*models.Event {
	if evt.EntityID == "" || evt.Kind == models.EventOptimizationOpportunity {
		return nil
	}

	oc.mu.Lock()
	defer oc.mu.Unlock()

	var out []*models.Event
	now := evt.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if evt.Outcome == models.OutcomeFailure {
		key := entityKey{evt.EntityType, evt.EntityID}
		recent := pruneTimes(append(oc.failures[key], now), now.Add(-failureWindow))
		if len(recent) >= failureThreshold {
			out = append(out, &models.Event{
				Kind:       models.EventOptimizationOpportunity,
				EntityType: evt.EntityType,
				EntityID:   evt.EntityID,
				Data: map[string]any{
					"type":          "repeated_failures",
					"failure_count": len(recent),
					"window":        failureWindow.String(),
				},
			})
			// Reset the window so one burst fires once.
			recent = nil
		}
		oc.failures[key] = recent
	}

	if evt.Duration > 0 {
		key := baselineKey{evt.Kind, evt.EntityType, evt.EntityID}
		samples := pruneSamples(oc.baselines[key], now.Add(-baselineWindow))

		if avg, ok := average(samples); ok && evt.Duration > time.Duration(baselineFactor*float64(avg)) {
			out = append(out, &models.Event{
				Kind:       models.EventOptimizationOpportunity,
				EntityType: evt.EntityType,
				EntityID:   evt.EntityID,
				Data: map[string]any{
					"type":        "performance_degradation",
					"observed_ms": evt.Duration.Milliseconds(),
					"baseline_ms": avg.Milliseconds(),
				},
			})
		}
		// Only successful runs feed the baseline.
		if evt.Outcome == models.OutcomeSuccess {
			samples = append(samples, durationSample{at: now, d: evt.Duration})
		}
		oc.baselines[key] = samples
	}

	return out
}

// average returns the mean duration once enough samples accumulated.
func average(samples []durationSample) (time.Duration, bool) {
	if len(samples) < baselineMinSamples {
		return 0, false
	}
	var total time.Duration
	for _, s := range samples {
		total += s.d
	}
	return total / time.Duration(len(samples)), true
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func pruneSamples(samples []durationSample, cutoff time.Time) []durationSample {
	out := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
