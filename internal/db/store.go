// Package db is the persistence layer: a gorm store over SQLite exposing the
// queries the optimization loop needs.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/handit-ai/handit-core/internal/apperr"
	"github.com/handit-ai/handit-core/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store wraps a *gorm.DB. A Store obtained inside Transaction is bound to
// that transaction.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// New wraps db.
func New(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: logging.OrNop(log)}
}

// DB exposes the underlying handle for seeding and ad-hoc queries.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn inside a database transaction. fn must only use the
// Store it is handed.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, log: s.log})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// notFound converts gorm.ErrRecordNotFound into an apperr NotFound error.
func notFound(err error, entity string, id any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("%s %v not found", entity, id)
	}
	return fmt.Errorf("load %s %v: %w", entity, id, err)
}

// IsUniqueViolation reports whether err came from a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
