package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Model is a monitored LLM or tool configuration.
// Parameters carries the current "prompt" plus provider specific settings.
type Model struct {
	ID                    uint              `gorm:"primaryKey" json:"id"`
	CompanyID             uint              `gorm:"index;not null" json:"company_id"`
	ModelGroupID          uint              `gorm:"index" json:"model_group_id"`
	Name                  string            `gorm:"not null" json:"name"`
	Slug                  string            `gorm:"uniqueIndex;not null" json:"slug"`
	Provider              string            `json:"provider,omitempty"`
	ProblemType           string            `json:"problem_type,omitempty"`
	Active                bool              `json:"active"`
	IsReviewer            bool              `gorm:"index" json:"is_reviewer"`
	IsOptimized           bool              `gorm:"index" json:"is_optimized"`
	Parameters            datatypes.JSONMap `json:"parameters,omitempty"`
	SystemPromptStructure datatypes.JSON    `json:"system_prompt_structure,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	DeletedAt             gorm.DeletedAt    `gorm:"index" json:"-"`
}

// Prompt returns parameters.prompt, or "" when unset.
func (m *Model) Prompt() string {
	if m.Parameters == nil {
		return ""
	}
	if p, ok := m.Parameters["prompt"].(string); ok {
		return p
	}
	return ""
}

// LLMModel returns parameters.model, the completion model name used when this
// model acts as a reviewer.
func (m *Model) LLMModel() string {
	if m.Parameters == nil {
		return ""
	}
	if v, ok := m.Parameters["model"].(string); ok {
		return v
	}
	return ""
}

// ModelVersion is one historical prompt text for a model.
// Exactly one row per model has ActiveVersion set.
type ModelVersion struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ModelID       uint      `gorm:"index;not null" json:"model_id"`
	Version       string    `gorm:"not null" json:"version"`
	Prompt        string    `gorm:"type:text" json:"prompt"`
	Source        string    `json:"source"` // seed, manual, optimizer
	ActiveVersion bool      `json:"active_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Version sources.
const (
	VersionSourceSeed      = "seed"
	VersionSourceManual    = "manual"
	VersionSourceOptimizer = "optimizer"
)

// ABTestModels links an original model to its optimized challenger.
// At most one row per ModelID has Principal set.
type ABTestModels struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ModelID          uint      `gorm:"index;not null" json:"model_id"`
	OptimizedModelID uint      `gorm:"index;not null" json:"optimized_model_id"`
	Principal        bool      `json:"principal"`
	Percentage       float64   `json:"percentage"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName keeps the plural association name.
func (ABTestModels) TableName() string { return "ab_test_models" }

// ReviewersModels attaches a reviewer model to a subject model.
type ReviewersModels struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	ModelID              uint      `gorm:"uniqueIndex:idx_reviewer_pair;not null" json:"model_id"`
	ReviewerID           uint      `gorm:"uniqueIndex:idx_reviewer_pair;not null" json:"reviewer_id"`
	ActivationThreshold  int       `json:"activation_threshold"`
	EvaluationPercentage float64   `json:"evaluation_percentage"`
	Limit                int       `json:"limit"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TableName keeps the plural association name.
func (ReviewersModels) TableName() string { return "reviewers_models" }

// Insight is a problem/solution finding produced from incorrect logs.
// Insights are soft-deleted once the prompt optimizer consumes them.
type Insight struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	ModelID   uint           `gorm:"index;not null" json:"model_id"`
	Problem   string         `gorm:"type:text" json:"problem"`
	Solution  string         `gorm:"type:text" json:"solution"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
