// Package correctness classifies completed logs and detects error payloads in
// model outputs.
package correctness

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/handit-ai/handit-core/internal/db/models"
)

// Verdict is the shape written into ModelLog.Actual by automatic evaluation.
type Verdict struct {
	IsCorrect bool   `json:"isCorrect"`
	Source    string `json:"source,omitempty"`
}

// Known reports whether the log carries ground truth. IsCorrect must only be
// trusted when Known is true.
func Known(log *models.ModelLog) bool {
	return log != nil && log.HasActual()
}

// IsCorrect compares log.Actual against log.Predicted, falling back to
// log.Output. An actual of the form {"isCorrect": bool} is taken as a verdict.
// It returns false when actual is unknown.
func IsCorrect(log *models.ModelLog) bool {
	if !Known(log) {
		return false
	}
	actual := Decode(log.Actual)
	if m, ok := actual.(map[string]any); ok {
		if v, ok := m["isCorrect"].(bool); ok {
			return v
		}
	}

	expectedRaw := []byte(log.Predicted)
	if len(expectedRaw) == 0 || string(expectedRaw) == "null" {
		expectedRaw = log.Output
	}
	expected := Decode(expectedRaw)
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

// Decode unmarshals raw JSON, unwrapping strings that themselves hold a JSON
// object or array. Invalid JSON decodes to the raw text.
func Decode(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return unwrapString(v)
}

func unwrapString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var inner any
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			return inner
		}
	}
	return s
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// Equal compares two JSON payloads with the same normalization IsCorrect
// applies.
func Equal(a, b []byte) bool {
	return reflect.DeepEqual(normalize(Decode(a)), normalize(Decode(b)))
}
