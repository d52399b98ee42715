// Package monitoring records per-log metric observations and maintains the
// cached monitoring snapshot of each model.
package monitoring

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/handit-ai/handit-core/internal/apperr"
	"github.com/handit-ai/handit-core/internal/cache"
	"github.com/handit-ai/handit-core/internal/correctness"
	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/handit-ai/handit-core/internal/logging"
	"go.uber.org/zap"
)

// AccuracyWindow is how far back the accuracy-by-day series reaches.
const AccuracyWindow = 30 * 24 * time.Hour

// Monitor records health-check and accuracy metrics.
type Monitor struct {
	store *db.Store
	cache cache.Store
	ttl   time.Duration
	now   func() time.Time
	log   *zap.Logger

	healthChecks    atomic.Int64
	healthFailures  atomic.Int64
	accuracySamples atomic.Int64
	snapshots       atomic.Int64
}

// Stats are process-local counters since start.
type Stats struct {
	HealthChecks    int64 `json:"health_checks"`
	HealthFailures  int64 `json:"health_failures"`
	AccuracySamples int64 `json:"accuracy_samples"`
	Snapshots       int64 `json:"snapshots"`
}

// NewMonitor builds a Monitor. ttl bounds how long a snapshot is served from
// the cache.
func NewMonitor(store *db.Store, c cache.Store, ttl time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{store: store, cache: c, ttl: ttl, now: time.Now, log: logging.OrNop(log)}
}

// RecordHealthCheck writes a health_check observation for a log: 0 when its
// output reports an error, 1 otherwise.
func (m *Monitor) RecordHealthCheck(ctx context.Context, l *models.ModelLog) (*models.ModelMetricLog, error) {
	metric, err := m.store.EnsureModelMetric(ctx, l.ModelID, models.MetricHealthCheck, "Health check")
	if err != nil {
		return nil, err
	}
	value := 1.0
	if correctness.OutputBytesContainError(l.Output) {
		value = 0
		m.healthFailures.Add(1)
	}
	entry := &models.ModelMetricLog{
		ModelMetricID: metric.ID,
		ModelID:       l.ModelID,
		ModelLogID:    l.ID,
		Value:         value,
		Version:       l.Version,
		Environment:   l.Environment,
	}
	if err := m.store.RecordMetric(ctx, entry); err != nil {
		return nil, err
	}
	m.healthChecks.Add(1)
	return entry, nil
}

// RecordAccuracy writes an accuracy observation for the log's version once.
// It reports false when actual is unknown or the log was already counted.
func (m *Monitor) RecordAccuracy(ctx context.Context, l *models.ModelLog) (bool, error) {
	if !correctness.Known(l) {
		return false, nil
	}
	recorded := false
	err := m.store.Transaction(ctx, func(tx *db.Store) error {
		won, err := tx.ClaimLogFlag(ctx, l.ID, "metric_processed")
		if err != nil || !won {
			return err
		}
		metric, err := tx.EnsureModelMetric(ctx, l.ModelID, models.MetricAccuracy, "Accuracy")
		if err != nil {
			return err
		}
		value := 0.0
		if correctness.IsCorrect(l) {
			value = 1
		}
		if err := tx.RecordMetric(ctx, &models.ModelMetricLog{
			ModelMetricID: metric.ID,
			ModelID:       l.ModelID,
			ModelLogID:    l.ID,
			Value:         value,
			Version:       l.Version,
			Environment:   l.Environment,
		}); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record accuracy of log %d: %w", l.ID, err)
	}
	if recorded {
		m.accuracySamples.Add(1)
	}
	return recorded, nil
}

// DayAccuracy is the accuracy of one UTC day.
type DayAccuracy struct {
	Day      string  `json:"day"`
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`
}

// ABMetrics compares an original model with its principal challenger.
type ABMetrics struct {
	OptimizedModelID  uint    `json:"optimized_model_id"`
	Percentage        float64 `json:"percentage"`
	OriginalAccuracy  float64 `json:"original_accuracy"`
	OriginalSamples   int64   `json:"original_samples"`
	OptimizedAccuracy float64 `json:"optimized_accuracy"`
	OptimizedSamples  int64   `json:"optimized_samples"`
}

// Snapshot is the cached monitoring view of a model.
type Snapshot struct {
	ModelID       uint          `json:"model_id"`
	Total         int64         `json:"total"`
	Errors        int64         `json:"errors"`
	Evaluated     int64         `json:"evaluated"`
	Correct       int64         `json:"correct"`
	Accuracy      float64       `json:"accuracy"`
	AccuracyByDay []DayAccuracy `json:"accuracy_by_day"`
	ABTest        *ABMetrics    `json:"ab_test,omitempty"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// Snapshot returns the cached snapshot of a model, computing it on a miss.
func (m *Monitor) Snapshot(ctx context.Context, modelID uint) (*Snapshot, error) {
	var snap Snapshot
	if m.cache != nil && cache.GetJSON(m.cache, cache.MonitoringKey(modelID), &snap) {
		return &snap, nil
	}
	return m.Refresh(ctx, modelID)
}

// Refresh recomputes and caches the snapshot of a model.
func (m *Monitor) Refresh(ctx context.Context, modelID uint) (*Snapshot, error) {
	counts, err := m.store.CountLogs(ctx, modelID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ModelID:     modelID,
		Total:       counts.Total,
		Errors:      counts.Errors,
		Evaluated:   counts.Evaluated,
		Correct:     counts.Correct,
		Accuracy:    ratio(counts.Correct, counts.Evaluated),
		GeneratedAt: m.now().UTC(),
	}

	evaluated, err := m.store.ListEvaluatedLogs(ctx, modelID, m.now().Add(-AccuracyWindow))
	if err != nil {
		return nil, fmt.Errorf("list evaluated logs of model %d: %w", modelID, err)
	}
	snap.AccuracyByDay = accuracyByDay(evaluated)

	ab, err := m.store.PrincipalABTest(ctx, modelID)
	switch {
	case err == nil:
		optimized, err := m.store.CountLogs(ctx, ab.OptimizedModelID)
		if err != nil {
			return nil, err
		}
		snap.ABTest = &ABMetrics{
			OptimizedModelID:  ab.OptimizedModelID,
			Percentage:        ab.Percentage,
			OriginalAccuracy:  snap.Accuracy,
			OriginalSamples:   counts.Evaluated,
			OptimizedAccuracy: ratio(optimized.Correct, optimized.Evaluated),
			OptimizedSamples:  optimized.Evaluated,
		}
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, err
	}

	if m.cache != nil {
		if err := cache.SetJSON(m.cache, cache.MonitoringKey(modelID), snap, m.ttl); err != nil {
			m.log.Warn("failed to cache monitoring snapshot", zap.Uint("model_id", modelID), zap.Error(err))
		}
	}
	m.snapshots.Add(1)
	return snap, nil
}

// Stats returns the process-local counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		HealthChecks:    m.healthChecks.Load(),
		HealthFailures:  m.healthFailures.Load(),
		AccuracySamples: m.accuracySamples.Load(),
		Snapshots:       m.snapshots.Load(),
	}
}

func accuracyByDay(logs []db.EvaluatedLog) []DayAccuracy {
	out := []DayAccuracy{}
	for _, l := range logs {
		day := l.CreatedAt.UTC().Format("2006-01-02")
		if len(out) == 0 || out[len(out)-1].Day != day {
			out = append(out, DayAccuracy{Day: day})
		}
		cur := &out[len(out)-1]
		if l.IsCorrect {
			cur.Accuracy++
		}
		cur.Samples++
	}
	for i := range out {
		out[i].Accuracy /= float64(out[i].Samples)
	}
	return out
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
