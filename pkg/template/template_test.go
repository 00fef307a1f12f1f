package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	out, err := Parse("Error: {{.Reason}}", struct{ Reason string }{"missing_action"})
	require.NoError(t, err)
	assert.Equal(t, "Error: missing_action", out)

	// second render hits the cache
	out, err = Parse("Error: {{.Reason}}", map[string]any{"Reason": "x"})
	require.NoError(t, err)
	assert.Equal(t, "Error: x", out)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("{{.Broken", nil)
	assert.Error(t, err)

	_, err = Parse("{{.Missing}}", map[string]any{})
	assert.Error(t, err)
}
