package models

import (
	"time"

	"gorm.io/datatypes"
)

// Company owns users, agents and models.
type Company struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User belongs to a company and receives notifications.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CompanyID uint      `gorm:"index;not null" json:"company_id"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	FirstName string    `json:"first_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a graph of model/tool nodes. Flags holds integration switches such
// as "isN8N".
type Agent struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	CompanyID uint              `gorm:"index;not null" json:"company_id"`
	Name      string            `json:"name"`
	Flags     datatypes.JSONMap `json:"flags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// IsN8N reports whether the agent is driven by an n8n workflow.
func (a *Agent) IsN8N() bool {
	if a == nil || a.Flags == nil {
		return false
	}
	v, _ := a.Flags["isN8N"].(bool)
	return v
}

// AgentNode places a model inside an agent graph.
type AgentNode struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AgentID   uint      `gorm:"index;not null" json:"agent_id"`
	ModelID   *uint     `gorm:"index" json:"model_id,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
