package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHitInclusiveThreshold(t *testing.T) {
	tests := []struct {
		name       string
		draw       float64
		percentage float64
		want       bool
	}{
		{name: "above threshold", draw: 85, percentage: 30, want: false},
		{name: "equal passes", draw: 30, percentage: 30, want: true},
		{name: "below passes", draw: 12.5, percentage: 30, want: true},
		{name: "always at 100", draw: 100, percentage: 100, want: true},
		{name: "zero percent never", draw: 0, percentage: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Hit(Fixed(tt.draw), tt.percentage))
		})
	}
}

func TestUniformRange(t *testing.T) {
	var u Uniform
	for i := 0; i < 1000; i++ {
		d := u.Draw()
		assert.GreaterOrEqual(t, d, 0.0)
		assert.LessOrEqual(t, d, 100.0)
	}
}

func TestSequenceRepeatsLast(t *testing.T) {
	s := NewSequence(10, 90)
	assert.Equal(t, 10.0, s.Draw())
	assert.Equal(t, 90.0, s.Draw())
	assert.Equal(t, 90.0, s.Draw())
	assert.Equal(t, 0.0, NewSequence().Draw())
}
