// Package dbtest opens isolated in-memory stores for tests.
package dbtest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/handit-ai/handit-core/internal/db"
	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns a migrated in-memory database private to the test.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handit-test-%d-%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// NewStore returns a Store over a fresh database.
func NewStore(t testing.TB) *db.Store {
	t.Helper()
	return db.New(Open(t), nil)
}

// Fixture is a company with one user and one agent.
type Fixture struct {
	Company models.Company
	User    models.User
	Agent   models.Agent
}

// SeedCompany creates a company, a user and an agent.
func SeedCompany(t testing.TB, s *db.Store, n8n bool) Fixture {
	t.Helper()
	f := Fixture{Company: models.Company{Name: "Acme"}}
	require.NoError(t, s.DB().Create(&f.Company).Error)
	f.User = models.User{CompanyID: f.Company.ID, Email: fmt.Sprintf("ops-%d@acme.test", f.Company.ID), FirstName: "Ops"}
	require.NoError(t, s.DB().Create(&f.User).Error)
	f.Agent = models.Agent{CompanyID: f.Company.ID, Name: "support-bot", Flags: datatypes.JSONMap{"isN8N": n8n}}
	require.NoError(t, s.DB().Create(&f.Agent).Error)
	return f
}

// SeedModel creates an active model with a prompt and places it in the
// agent graph when agentID is non-zero.
func SeedModel(t testing.TB, s *db.Store, companyID, agentID uint, prompt string) *models.Model {
	t.Helper()
	m := &models.Model{
		CompanyID: companyID,
		Name:      "classifier",
		Slug:      fmt.Sprintf("classifier-%d", seq.Add(1)),
		Provider:  "openai",
		Active:    true,
		Parameters: datatypes.JSONMap{
			"prompt": prompt,
			"model":  "gpt-4o-mini",
		},
	}
	require.NoError(t, s.CreateModel(context.Background(), m))
	if agentID != 0 {
		require.NoError(t, s.DB().Create(&models.AgentNode{AgentID: agentID, ModelID: &m.ID, Name: "classify"}).Error)
	}
	return m
}

// SeedLog creates a log for a model.
func SeedLog(t testing.TB, s *db.Store, l *models.ModelLog) *models.ModelLog {
	t.Helper()
	if l.Status == "" {
		l.Status = models.LogStatusSuccess
	}
	if l.Environment == "" {
		l.Environment = models.EnvironmentProduction
	}
	require.NoError(t, s.CreateLog(context.Background(), l))
	return l
}
