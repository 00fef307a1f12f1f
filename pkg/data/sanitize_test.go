package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		err  error
	}{
		{name: "simple", in: `{"a": 1} trailing`, want: `{"a": 1}`},
		{name: "nested", in: `  {"a": {"b": [1, {"c": 2}]}}{"x": 1}`, want: `{"a": {"b": [1, {"c": 2}]}}`},
		{name: "braces in strings", in: `{"flag": "FLAG{a}}b", "q": "\"}"}`, want: `{"flag": "FLAG{a}}b", "q": "\"}"}`},
		{name: "fenced", in: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "not an object", in: `["a"]`, err: ErrNoObject},
		{name: "empty", in: "", err: ErrNoObject},
		{name: "prose first", in: `here you go {"a": 1}`, err: ErrNoObject},
		{name: "unbalanced", in: `{"a": {"b": 1}`, err: ErrUnbalanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FirstObject(tt.in)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
