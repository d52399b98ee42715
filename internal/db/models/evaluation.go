package models

import "time"

// Evaluator types.
const (
	EvaluatorTypePrompt   = "prompt"
	EvaluatorTypeFunction = "function"
)

// EvaluationPrompt is a reusable evaluator definition. CompanyID is nil for
// global evaluators. For function evaluators FunctionName names a registered
// check; for prompt evaluators Prompt holds the system prompt.
type EvaluationPrompt struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CompanyID     *uint     `gorm:"index" json:"company_id,omitempty"`
	Name          string    `gorm:"index;not null" json:"name"`
	Type          string    `gorm:"not null" json:"type"`
	Prompt        string    `gorm:"type:text" json:"prompt,omitempty"`
	FunctionName  string    `json:"function_name,omitempty"`
	IsInformative bool      `json:"is_informative"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ModelEvaluationPrompt attaches an evaluator to a model with an optional
// provider/model/token override for prompt evaluators.
type ModelEvaluationPrompt struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ModelID            uint      `gorm:"uniqueIndex:idx_model_evaluator;not null" json:"model_id"`
	EvaluationPromptID uint      `gorm:"uniqueIndex:idx_model_evaluator;not null" json:"evaluation_prompt_id"`
	Provider           string    `json:"provider,omitempty"`
	LLMModel           string    `json:"llm_model,omitempty"`
	Token              string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
}

// Evaluation log statuses.
const (
	EvaluationStatusCompleted = "completed"
	EvaluationStatusFailed    = "failed"
)

// EvaluationLog is the result of running one evaluator against one model log.
type EvaluationLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ModelLogID    uint      `gorm:"index;not null" json:"model_log_id"`
	ModelID       uint      `gorm:"index;not null" json:"model_id"`
	EvaluatorID   uint      `gorm:"index;not null" json:"evaluator_id"`
	ReviewerID    uint      `json:"reviewer_id,omitempty"`
	IsCorrect     bool      `json:"is_correct"`
	IsInformative bool      `json:"is_informative"`
	Status        string    `json:"status"`
	Summary       string    `gorm:"type:text" json:"summary"`
	CreatedAt     time.Time `json:"created_at"`
}
