// Package llmtest provides scripted completers for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/handit-ai/handit-core/internal/llm"
)

// ErrNoReply is returned once a Scripted completer runs out of replies and
// has no fallback.
var ErrNoReply = errors.New("llmtest: no scripted reply")

// Call records one GenerateAIResponse invocation.
type Call struct {
	Messages []llm.Message
	Format   *llm.ResponseFormat
}

// Scripted replays canned replies in order. When Respond is set it takes
// precedence.
type Scripted struct {
	Replies  []string
	Err      error
	Fallback string
	Respond  func(messages []llm.Message, format *llm.ResponseFormat) (string, error)

	mu    sync.Mutex
	calls []Call
}

// GenerateAIResponse implements llm.Completer.
func (s *Scripted) GenerateAIResponse(_ context.Context, messages []llm.Message, format *llm.ResponseFormat) (*llm.Response, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, Call{Messages: messages, Format: format})
	s.mu.Unlock()

	if s.Respond != nil {
		text, err := s.Respond(messages, format)
		if err != nil {
			return nil, err
		}
		return &llm.Response{Text: text, Choices: []string{text}}, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	text := s.Fallback
	switch {
	case n < len(s.Replies):
		text = s.Replies[n]
	case text == "":
		return nil, ErrNoReply
	}
	if format != nil {
		if err := llm.ValidateSchema(format.Schema, text); err != nil {
			return nil, err
		}
	}
	return &llm.Response{Text: text, Choices: []string{text}}, nil
}

// Calls returns a copy of the recorded calls.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many times the completer was invoked.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Provider hands out the same completer for every spec and records the specs
// it was asked for.
type Provider struct {
	Completer llm.Completer
	ByModel   map[string]llm.Completer

	mu    sync.Mutex
	specs []llm.Spec
}

// Default implements llm.Provider.
func (p *Provider) Default() llm.Completer { return p.For(llm.Spec{}) }

// For implements llm.Provider.
func (p *Provider) For(spec llm.Spec) llm.Completer {
	p.mu.Lock()
	p.specs = append(p.specs, spec)
	p.mu.Unlock()
	if c, ok := p.ByModel[spec.Model]; ok {
		return c
	}
	return p.Completer
}

// Specs returns the specs requested so far.
func (p *Provider) Specs() []llm.Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Spec(nil), p.specs...)
}
