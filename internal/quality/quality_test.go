package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.5))
	assert.Equal(t, 1.0, clamp01(1.5))
	assert.Equal(t, 0.5, clamp01(0.5))
}

func TestRequiredColumnsWhere(t *testing.T) {
	where := requiredColumnsWhere([]string{"content_id", "attraction_name"})
	assert.Equal(t, "content_id IS NOT NULL AND attraction_name IS NOT NULL", where)
}

func TestFormatKeyJoinsWithPipe(t *testing.T) {
	assert.Equal(t, "KR|2026-08-03", formatKey([]any{"KR", "2026-08-03"}))
}

func TestEqualWeightsSumToOne(t *testing.T) {
	w := equalWeights()
	assert.InDelta(t, 1.0, w.Completeness+w.Validity+w.Consistency+w.Freshness, 1e-9)
}
