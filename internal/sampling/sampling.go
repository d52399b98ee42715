// Package sampling draws the uniform percentages that gate evaluation,
// insight review and optimization attempts.
package sampling

import (
	"math/rand/v2"
	"sync"
)

// Sampler returns a draw uniformly distributed in [0,100].
type Sampler interface {
	Draw() float64
}

// Hit reports whether a fresh draw falls at or below percentage.
// The threshold is inclusive: a draw of exactly percentage passes.
func Hit(s Sampler, percentage float64) bool {
	if percentage <= 0 {
		return false
	}
	return s.Draw() <= percentage
}

// Uniform is the production sampler.
type Uniform struct{}

// Draw implements Sampler.
func (Uniform) Draw() float64 {
	return rand.Float64() * 100
}

// Sequence replays fixed draws in order, then repeats the last one. It is
// safe for concurrent use.
type Sequence struct {
	mu    sync.Mutex
	draws []float64
	next  int
}

// NewSequence builds a Sequence; with no draws every Draw returns 0.
func NewSequence(draws ...float64) *Sequence {
	return &Sequence{draws: draws}
}

// Draw implements Sampler.
func (s *Sequence) Draw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.draws) == 0 {
		return 0
	}
	if s.next >= len(s.draws) {
		return s.draws[len(s.draws)-1]
	}
	v := s.draws[s.next]
	s.next++
	return v
}

// Fixed always returns the same draw.
type Fixed float64

// Draw implements Sampler.
func (f Fixed) Draw() float64 { return float64(f) }
