package models

import "time"

// Metric types tracked per model.
const (
	MetricHealthCheck = "health_check"
	MetricAccuracy    = "accuracy"
)

// ModelMetric is a named metric series of a model. Value and SampleCount hold
// the running aggregate and start at zero for a cloned model.
type ModelMetric struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ModelID     uint      `gorm:"uniqueIndex:idx_model_metric;not null" json:"model_id"`
	Type        string    `gorm:"uniqueIndex:idx_model_metric;not null" json:"type"`
	Name        string    `json:"name"`
	Value       float64   `json:"value"`
	SampleCount int64     `json:"sample_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ModelMetricLog is one observation of a metric, scoped to a prompt version.
type ModelMetricLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ModelMetricID uint      `gorm:"index;not null" json:"model_metric_id"`
	ModelID       uint      `gorm:"index;not null" json:"model_id"`
	ModelLogID    uint      `gorm:"index" json:"model_log_id"`
	Value         float64   `json:"value"`
	Version       string    `gorm:"index" json:"version"`
	Environment   string    `json:"environment"`
	CreatedAt     time.Time `json:"created_at"`
}
