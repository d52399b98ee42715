package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Log statuses.
const (
	LogStatusSuccess = "success"
	LogStatusError   = "error"
	LogStatusCrash   = "crash"
)

// Environments.
const (
	EnvironmentProduction = "production"
	EnvironmentStaging    = "staging"
)

// ModelLog is one invocation record of a model.
// Input and Output are immutable after creation; Actual is NULL until ground
// truth or an evaluation verdict arrives.
type ModelLog struct {
	ID                      uint           `gorm:"primaryKey" json:"id"`
	ModelID                 uint           `gorm:"index;not null" json:"model_id"`
	AgentLogID              *uint          `gorm:"index" json:"agent_log_id,omitempty"`
	Input                   datatypes.JSON `json:"input"`
	Output                  datatypes.JSON `json:"output"`
	Predicted               datatypes.JSON `json:"predicted,omitempty"`
	Actual                  datatypes.JSON `json:"actual,omitempty"`
	IsCorrect               *bool          `json:"is_correct"`
	Status                  string         `gorm:"index;not null" json:"status"`
	Processed               bool           `json:"processed"`
	MetricProcessed         bool           `json:"metric_processed"`
	AutoEvaluationProcessed bool           `json:"auto_evaluation_processed"`
	OriginalLogID           *uint          `gorm:"index" json:"original_log_id,omitempty"`
	Version                 string         `json:"version,omitempty"`
	Environment             string         `gorm:"index" json:"environment"`
	CreatedAt               time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
	DeletedAt               gorm.DeletedAt `gorm:"index" json:"-"`
}

// HasActual reports whether ground truth is known.
func (l *ModelLog) HasActual() bool {
	return len(l.Actual) > 0 && string(l.Actual) != "null"
}

// IsReplay reports whether this log replays another log against an optimized model.
func (l *ModelLog) IsReplay() bool {
	return l.OriginalLogID != nil
}

// AgentLog statuses.
const (
	AgentLogStatusSuccess     = "success"
	AgentLogStatusFailedModel = "failed_model"
)

// AgentLog is one run of an agent graph; model logs hang off it.
type AgentLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AgentID   uint      `gorm:"index;not null" json:"agent_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
