package prompts

import (
	"context"
	"fmt"

	"github.com/handit-ai/handit-core/internal/llm"
	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/handit-ai/handit-core/internal/util"
	"go.uber.org/zap"
)

const detectSystemPrompt = `You locate the system prompt inside a JSON request sent to a language model.
Answer with the JSON path to it. Use kind "messages" when the prompt is the content of a chat message
with role "system" inside an array (path points at the array), or kind "field" when it is a plain string
field (path points at the field). Paths list object keys from the root. Set found to false when there
is no system prompt.`

var detectSchema = llm.ObjectSchema(map[string]any{
	"found": map[string]any{"type": "boolean"},
	"kind":  map[string]any{"type": "string", "enum": []any{KindMessages, KindField}},
	"path":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
}, "found", "kind", "path")

// Detector finds a prompt structure with heuristics first and an LLM call as
// fallback.
type Detector struct {
	llm llm.Completer
	log *zap.Logger
}

// NewDetector builds a Detector. completer may be nil to disable the fallback.
func NewDetector(completer llm.Completer, log *zap.Logger) *Detector {
	return &Detector{llm: completer, log: logging.OrNop(log)}
}

// Detect returns the structure of raw, or (nil, nil) when none is found.
func (d *Detector) Detect(ctx context.Context, raw []byte) (*Structure, error) {
	if s, ok := DetectJSON(raw); ok {
		return s, nil
	}
	if d.llm == nil {
		return nil, nil
	}

	resp, err := d.llm.GenerateAIResponse(ctx, []llm.Message{
		llm.System(detectSystemPrompt),
		llm.User(util.Payload(raw)),
	}, &llm.ResponseFormat{Name: "prompt_structure", Schema: detectSchema})
	if err != nil {
		return nil, fmt.Errorf("detect prompt structure: %w", err)
	}
	var answer struct {
		Found bool     `json:"found"`
		Kind  string   `json:"kind"`
		Path  []string `json:"path"`
	}
	if err := resp.Decode(&answer); err != nil {
		return nil, fmt.Errorf("detect prompt structure: %w", err)
	}
	if !answer.Found {
		return nil, nil
	}

	s := &Structure{Kind: answer.Kind, Path: answer.Path}
	if s.Path == nil {
		s.Path = []string{}
	}
	if s.Kind == KindMessages {
		s.Role = "system"
	}
	if _, ok := ExtractJSON(raw, *s); !ok {
		d.log.Debug("discarding unresolvable prompt structure", zap.Strings("path", s.Path), zap.String("kind", s.Kind))
		return nil, nil
	}
	return s, nil
}
