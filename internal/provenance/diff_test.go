package provenance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffProperties(t *testing.T) {
	tests := []struct {
		name     string
		from, to map[string]any
		want     string
	}{
		{"identical", map[string]any{"a": 1}, map[string]any{"a": 1}, `{}`},
		{"changed", map[string]any{"a": 1}, map[string]any{"a": 2}, `{"a":2}`},
		{"removed", map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1}, `{"b":null}`},
		{"added from nil", nil, map[string]any{"a": "x"}, `{"a":"x"}`},
		{"nested", map[string]any{"m": map[string]any{"x": 1, "y": 2}}, map[string]any{"m": map[string]any{"x": 1, "y": 3}}, `{"m":{"y":3}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := diffProperties(tt.from, tt.to)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestDiffPropertiesUnencodable(t *testing.T) {
	_, err := diffProperties(map[string]any{"ch": make(chan int)}, nil)
	require.Error(t, err)
}
