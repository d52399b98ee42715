package db

import (
	"context"

	"github.com/handit-ai/handit-core/internal/db/models"
)

// ListCompanyUsers returns the users of a company.
func (s *Store) ListCompanyUsers(ctx context.Context, companyID uint) ([]models.User, error) {
	var out []models.User
	err := s.conn(ctx).Where("company_id = ?", companyID).Order("id").Find(&out).Error
	return out, err
}

// AgentForModel returns the agent whose graph contains the model. A model
// outside any agent yields a NotFound error.
func (s *Store) AgentForModel(ctx context.Context, modelID uint) (*models.Agent, error) {
	var node models.AgentNode
	if err := s.conn(ctx).Where("model_id = ?", modelID).Order("id").First(&node).Error; err != nil {
		return nil, notFound(err, "agent node of model", modelID)
	}
	var agent models.Agent
	if err := s.conn(ctx).First(&agent, node.AgentID).Error; err != nil {
		return nil, notFound(err, "agent", node.AgentID)
	}
	return &agent, nil
}
