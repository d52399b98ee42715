// Package prompts locates the system prompt inside logged model inputs so it
// can be seeded as a version and swapped for A/B replays.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Structure kinds.
const (
	// KindMessages is a chat message array; the prompt is the content of the
	// first message with Role.
	KindMessages = "messages"
	// KindField is a plain string field at Path.
	KindField = "field"
)

// ErrNoPrompt is returned when a structure does not resolve in an input.
var ErrNoPrompt = errors.New("prompts: system prompt not found in input")

// Structure is where the system prompt lives in a model's input. Path walks
// object keys from the root.
type Structure struct {
	Kind string   `json:"kind"`
	Path []string `json:"path"`
	Role string   `json:"role,omitempty"`
}

// Parse decodes a stored structure. Empty input yields (nil, nil).
func Parse(raw []byte) (*Structure, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s Structure
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode prompt structure: %w", err)
	}
	if s.Kind != KindMessages && s.Kind != KindField {
		return nil, fmt.Errorf("decode prompt structure: unknown kind %q", s.Kind)
	}
	return &s, nil
}

// Encode serializes s for storage.
func (s Structure) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

var fieldKeys = []string{"systemprompt", "system_prompt", "system", "instructions", "prompt"}

const maxDepth = 4

// Detect applies the heuristics to a decoded input.
func Detect(input any) (*Structure, bool) {
	if isMessageList(input) {
		return &Structure{Kind: KindMessages, Path: []string{}, Role: "system"}, true
	}
	if s, ok := detectMessages(input, nil, 0); ok {
		return s, true
	}
	return detectField(input, nil, 0)
}

// DetectJSON decodes raw and applies Detect.
func DetectJSON(raw []byte) (*Structure, bool) {
	input, err := decode(raw)
	if err != nil {
		return nil, false
	}
	return Detect(input)
}

func detectMessages(v any, path []string, depth int) (*Structure, bool) {
	obj, ok := v.(map[string]any)
	if !ok || depth > maxDepth {
		return nil, false
	}
	for _, k := range sortedKeys(obj) {
		if isMessageList(obj[k]) {
			return &Structure{Kind: KindMessages, Path: appendPath(path, k), Role: "system"}, true
		}
	}
	for _, k := range sortedKeys(obj) {
		if s, ok := detectMessages(obj[k], appendPath(path, k), depth+1); ok {
			return s, true
		}
	}
	return nil, false
}

func detectField(v any, path []string, depth int) (*Structure, bool) {
	obj, ok := v.(map[string]any)
	if !ok || depth > maxDepth {
		return nil, false
	}
	for _, want := range fieldKeys {
		for _, k := range sortedKeys(obj) {
			if strings.ToLower(k) != want {
				continue
			}
			if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
				return &Structure{Kind: KindField, Path: appendPath(path, k)}, true
			}
		}
	}
	for _, k := range sortedKeys(obj) {
		if s, ok := detectField(obj[k], appendPath(path, k), depth+1); ok {
			return s, true
		}
	}
	return nil, false
}

// isMessageList reports whether v is a chat message array containing a
// system message.
func isMessageList(v any) bool {
	list, ok := v.([]any)
	if !ok {
		return false
	}
	return systemIndex(list, "system") >= 0
}

func systemIndex(list []any, role string) int {
	for i, item := range list {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r, _ := msg["role"].(string)
		if strings.EqualFold(r, role) {
			if _, ok := msg["content"]; ok {
				return i
			}
		}
	}
	return -1
}

// Extract returns the prompt text addressed by s.
func Extract(input any, s Structure) (string, bool) {
	node, ok := walk(input, s.Path)
	if !ok {
		return "", false
	}
	switch s.Kind {
	case KindField:
		text, ok := node.(string)
		return text, ok
	case KindMessages:
		list, ok := node.([]any)
		if !ok {
			return "", false
		}
		i := systemIndex(list, roleOrDefault(s.Role))
		if i < 0 {
			return "", false
		}
		return contentText(list[i].(map[string]any)["content"])
	}
	return "", false
}

// ExtractJSON decodes raw and applies Extract.
func ExtractJSON(raw []byte, s Structure) (string, bool) {
	input, err := decode(raw)
	if err != nil {
		return "", false
	}
	return Extract(input, s)
}

// Replace returns a copy of input with the prompt addressed by s set to
// prompt. input is not modified.
func Replace(input any, s Structure, prompt string) (any, error) {
	out := deepCopy(input)
	if len(s.Path) == 0 {
		if s.Kind != KindMessages {
			return nil, ErrNoPrompt
		}
		list, ok := out.([]any)
		if !ok || !setSystemContent(list, roleOrDefault(s.Role), prompt) {
			return nil, ErrNoPrompt
		}
		return out, nil
	}

	parent, ok := walk(out, s.Path[:len(s.Path)-1])
	if !ok {
		return nil, ErrNoPrompt
	}
	obj, ok := parent.(map[string]any)
	if !ok {
		return nil, ErrNoPrompt
	}
	key := s.Path[len(s.Path)-1]
	switch s.Kind {
	case KindField:
		if _, ok := obj[key].(string); !ok {
			return nil, ErrNoPrompt
		}
		obj[key] = prompt
	case KindMessages:
		list, ok := obj[key].([]any)
		if !ok || !setSystemContent(list, roleOrDefault(s.Role), prompt) {
			return nil, ErrNoPrompt
		}
	default:
		return nil, fmt.Errorf("prompts: unknown structure kind %q", s.Kind)
	}
	return out, nil
}

// ReplaceJSON decodes raw, applies Replace and re-encodes.
func ReplaceJSON(raw []byte, s Structure, prompt string) ([]byte, error) {
	input, err := decode(raw)
	if err != nil {
		return nil, err
	}
	out, err := Replace(input, s, prompt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func setSystemContent(list []any, role, prompt string) bool {
	i := systemIndex(list, role)
	if i < 0 {
		return false
	}
	list[i].(map[string]any)["content"] = prompt
	return true
}

func contentText(v any) (string, bool) {
	switch c := v.(type) {
	case string:
		return c, true
	case []any:
		var parts []string
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n"), len(parts) > 0
	}
	return "", false
}

func walk(v any, path []string) (any, bool) {
	cur := v
	for _, k := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// decode parses raw JSON, unwrapping one level of JSON encoded as a string.
func decode(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if s, ok := v.(string); ok {
		var inner any
		if json.Unmarshal([]byte(s), &inner) == nil {
			return inner, nil
		}
	}
	return v, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

func roleOrDefault(role string) string {
	if role == "" {
		return "system"
	}
	return role
}

func appendPath(path []string, key string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, key)
}
