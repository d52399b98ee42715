package evaluation

import (
	"context"
	"testing"

	"github.com/handit-ai/handit-core/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestBuiltinFunctions(t *testing.T) {
	tests := []struct {
		fn        string
		output    string
		predicted string
		want      bool
		wantErr   bool
	}{
		{fn: "non_empty_output", output: `"hello"`, want: true},
		{fn: "non_empty_output", output: `"  "`},
		{fn: "non_empty_output", output: `{}`},
		{fn: "non_empty_output", output: ``},
		{fn: "no_error_output", output: `{"answer":"ok"}`, want: true},
		{fn: "no_error_output", output: `{"status":500}`},
		{fn: "no_error_output", output: `{"data":{"Errors":["bad"]}}`},
		{fn: "valid_json_output", output: `{"a":1}`, want: true},
		{fn: "valid_json_output", output: `"{\"a\":1}"`, want: true},
		{fn: "valid_json_output", output: `"plain"`},
		{fn: "matches_predicted", output: `"Yes"`, predicted: `"yes"`, want: true},
		{fn: "matches_predicted", output: `"no"`, predicted: `"yes"`},
		{fn: "matches_predicted", output: `"no"`, wantErr: true},
	}
	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.fn+"/"+tt.output, func(t *testing.T) {
			fn, ok := r.Lookup(tt.fn)
			require.True(t, ok)
			l := &models.ModelLog{Output: datatypes.JSON(tt.output)}
			if tt.predicted != "" {
				l.Predicted = datatypes.JSON(tt.predicted)
			}
			res, err := fn(context.Background(), l)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.IsCorrect, res.Summary)
			assert.NotEmpty(t, res.Summary)
		})
	}
}

func TestRegistryNames(t *testing.T) {
	assert.Equal(t, []string{"matches_predicted", "no_error_output", "non_empty_output", "valid_json_output"}, NewRegistry().Names())
}
