package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/handit-ai/handit-core/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// filePragmas make a file database tolerate concurrent pipeline writers.
const filePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(DSN(dbPath)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// DSN appends the connection pragmas to a file path. Memory and URI DSNs are
// passed through unchanged.
func DSN(dbPath string) string {
	if strings.Contains(dbPath, ":memory:") || strings.Contains(dbPath, "mode=memory") {
		return dbPath
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + filePragmas
}

// Migrate creates the schema and the partial unique indexes that back the
// single-active-version and single-principal-A/B invariants.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Company{},
		&models.User{},
		&models.Agent{},
		&models.AgentNode{},
		&models.AgentLog{},
		&models.Model{},
		&models.ModelVersion{},
		&models.ABTestModels{},
		&models.ReviewersModels{},
		&models.Insight{},
		&models.ModelLog{},
		&models.EvaluationPrompt{},
		&models.ModelEvaluationPrompt{},
		&models.EvaluationLog{},
		&models.ModelMetric{},
		&models.ModelMetricLog{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ab_test_principal ON ab_test_models(model_id) WHERE principal = 1`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_model_version_active ON model_versions(model_id) WHERE active_version = 1`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_model_version_number ON model_versions(model_id, version)`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
