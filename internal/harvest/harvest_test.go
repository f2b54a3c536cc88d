package harvest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKTOResultCodeExtractsNestedField(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"response": map[string]any{
			"header": map[string]any{"resultCode": "00"},
		},
	})
	code, ok := KTOResultCode(body)
	assert.True(t, ok)
	assert.Equal(t, "00", code)
}

func TestKTOResultCodeFailsOnMalformedBody(t *testing.T) {
	_, ok := KTOResultCode([]byte("not json"))
	assert.False(t, ok)
}

func TestDecodeItemsUsesTransformExtraction(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"response": map[string]any{
			"body": map[string]any{
				"items": map[string]any{
					"item": []any{
						map[string]any{"contentid": "1"},
						map[string]any{"contentid": "2"},
					},
				},
			},
		},
	})
	items, err := decodeItems(body)
	assert.NoError(t, err)
	assert.Len(t, items, 2)
}
