package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/handit-ai/handit-core/internal/correctness"
	"github.com/handit-ai/handit-core/internal/db/models"
)

// Result is the verdict of one evaluator.
type Result struct {
	IsCorrect bool   `json:"isCorrect"`
	Summary   string `json:"summary"`
}

// Function is a deterministic check run against a log.
type Function func(ctx context.Context, log *models.ModelLog) (Result, error)

// Registry maps function evaluator names to implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewRegistry returns a registry holding the built-in checks.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Function)}
	r.Register("non_empty_output", nonEmptyOutput)
	r.Register("no_error_output", noErrorOutput)
	r.Register("valid_json_output", validJSONOutput)
	r.Register("matches_predicted", matchesPredicted)
	return r
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[strings.ToLower(strings.TrimSpace(name))] = fn
}

// Lookup finds a function by name.
func (r *Registry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[strings.ToLower(strings.TrimSpace(name))]
	return fn, ok
}

// Names lists registered functions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func nonEmptyOutput(_ context.Context, log *models.ModelLog) (Result, error) {
	switch v := correctness.Decode(log.Output).(type) {
	case nil:
		return Result{Summary: "output is empty"}, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return Result{Summary: "output is an empty string"}, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return Result{Summary: "output is an empty object"}, nil
		}
	case []any:
		if len(v) == 0 {
			return Result{Summary: "output is an empty array"}, nil
		}
	}
	return Result{IsCorrect: true, Summary: "output is present"}, nil
}

func noErrorOutput(_ context.Context, log *models.ModelLog) (Result, error) {
	output := correctness.Decode(log.Output)
	if msg := correctness.DetectErrorMessage(output); msg != "" {
		return Result{Summary: "output reports an error: " + msg}, nil
	}
	return Result{IsCorrect: true, Summary: "no error in output"}, nil
}

func validJSONOutput(_ context.Context, log *models.ModelLog) (Result, error) {
	if len(log.Output) == 0 {
		return Result{Summary: "output is empty"}, nil
	}
	var v any
	if err := json.Unmarshal(log.Output, &v); err != nil {
		return Result{Summary: fmt.Sprintf("output is not JSON: %v", err)}, nil
	}
	if s, ok := v.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return Result{Summary: "output text is not JSON"}, nil
		}
	}
	return Result{IsCorrect: true, Summary: "output is valid JSON"}, nil
}

func matchesPredicted(_ context.Context, log *models.ModelLog) (Result, error) {
	if len(log.Predicted) == 0 || string(log.Predicted) == "null" {
		return Result{}, fmt.Errorf("log %d has no predicted value", log.ID)
	}
	if correctness.Equal(log.Output, log.Predicted) {
		return Result{IsCorrect: true, Summary: "output matches predicted"}, nil
	}
	return Result{Summary: "output differs from predicted"}, nil
}
