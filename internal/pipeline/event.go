// Package pipeline reacts to log writes: it runs the evaluation, reviewer,
// A/B replay, metric and optimization steps for every created or updated log
// on a bounded worker pool.
package pipeline

import "fmt"

// EventKind is the kind of domain event published by the write path.
type EventKind string

const (
	LogCreated EventKind = "log_created"
	LogUpdated EventKind = "log_updated"
)

// Event is published after a log write is committed.
type Event struct {
	Kind      EventKind
	LogID     uint
	ModelID   uint
	CompanyID uint
	RequestID string
}

func (e Event) String() string {
	return fmt.Sprintf("%s(log=%d model=%d)", e.Kind, e.LogID, e.ModelID)
}
