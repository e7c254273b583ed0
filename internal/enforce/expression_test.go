package enforce

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func TestEvaluatorHolds(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	conf := 0.7
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := model.EdgeFact{
		ID:        uuid.New(),
		Type:      "FILLS_SLOT",
		From:      model.EntityRef{Type: model.EntityFile, ID: "F1"},
		To:        model.EntityRef{Type: model.EntitySlot, ID: "SCRIPT_PRIMARY"},
		Props:     model.FactProps{Method: model.MethodAgent, Confidence: &conf, Extra: map[string]any{"lang": "en"}},
		ValidFrom: now.Add(-48 * time.Hour),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`fact.from_id == "F1"`, true},
		{`fact.to_type == "slot" && props.method == "agent"`, true},
		{`props.confidence > 0.8`, false},
		{`props.lang == "en"`, true},
		{`!has(props.rule_id)`, true},
		{`now - fact.valid_from > duration("24h")`, true},
	}
	for _, tt := range tests {
		got, err := ev.Holds(tt.expr, f, now)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
	assert.Equal(t, len(tests), ev.CacheSize())

	_, err = ev.Holds(`fact.from_id == "F1"`, f, now)
	require.NoError(t, err)
	assert.Equal(t, len(tests), ev.CacheSize(), "programs are compiled once")
}

func TestEvaluatorRuntimeError(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	_, err = ev.Holds(`props.missing > 1.0`, model.EdgeFact{ID: uuid.New()}, time.Now())
	require.ErrorContains(t, err, "evaluate expression")
}
