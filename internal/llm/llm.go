// Package llm is the completion service used by evaluators, the insight
// generator, the prompt optimizer and prompt-structure detection.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Roles understood by the chat completion API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrInvalidResponse marks a completion whose text does not satisfy the
// requested response format.
var ErrInvalidResponse = errors.New("llm: response does not match schema")

// Message is a chat message.
type Message struct {
	Role    string
	Content string
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// ResponseFormat asks for a JSON object matching Schema. The schema is sent to
// the provider and also enforced locally.
type ResponseFormat struct {
	Name   string
	Schema map[string]any
}

// Response is a completed chat call.
type Response struct {
	Text    string
	Choices []string
}

// Decode unmarshals the response text into v.
func (r *Response) Decode(v any) error {
	if r == nil {
		return fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}
	if err := json.Unmarshal([]byte(CleanJSON(r.Text)), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// Completer generates a response for a conversation. format may be nil for
// free text.
type Completer interface {
	GenerateAIResponse(ctx context.Context, messages []Message, format *ResponseFormat) (*Response, error)
}

// Spec selects a backend. Empty fields fall back to the service defaults.
type Spec struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// Provider hands out completers, either the default backend or one overridden
// per evaluator binding or reviewer model.
type Provider interface {
	Default() Completer
	For(spec Spec) Completer
}

// CleanJSON strips markdown code fences some models wrap around JSON output.
func CleanJSON(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```JSON")
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	}
	return strings.TrimSpace(t)
}
