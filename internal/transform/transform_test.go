package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attractionMapping() Mapping {
	return Mapping{
		ContentType: "12",
		TargetTable: "tourist_attractions",
		FieldMap: map[string]string{
			"contentid": "content_id",
			"title":     "attraction_name",
			"mapx":      "longitude",
			"mapy":      "latitude",
		},
		RequiredRaw: []string{"contentid", "title"},
		LatField:    "mapy",
		LonField:    "mapx",
	}
}

func TestTransformDropsMissingRequiredField(t *testing.T) {
	items := []map[string]any{
		{"contentid": "1", "mapx": "127.0", "mapy": "37.0"}, // no title
	}
	res := Transform(attractionMapping(), items)
	require.Len(t, res.Discards, 1)
	assert.Equal(t, ReasonMissingRequiredField, res.Discards[0].Reason)
	assert.Empty(t, res.Rows)
}

func TestTransformDropsOutOfBoundsCoordinate(t *testing.T) {
	items := []map[string]any{
		{"contentid": "1", "title": "Somewhere", "mapx": "200.0", "mapy": "37.0"},
	}
	res := Transform(attractionMapping(), items)
	require.Len(t, res.Discards, 1)
	assert.Equal(t, ReasonBadCoordinate, res.Discards[0].Reason)
}

func TestTransformMapsFieldsAndScoresQuality(t *testing.T) {
	items := []map[string]any{
		{"contentid": "1", "title": "Gyeongbokgung", "mapx": "126.97", "mapy": "37.57"},
	}
	res := Transform(attractionMapping(), items)
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, "1", row["content_id"])
	assert.Equal(t, "Gyeongbokgung", row["attraction_name"])
	assert.Equal(t, float64(1), row["data_quality_score"])
}

func TestTransformQualityScoreReflectsBlankFields(t *testing.T) {
	mapping := attractionMapping()
	mapping.RequiredRaw = []string{"contentid", "title"}
	items := []map[string]any{
		{"contentid": "1", "title": "X", "mapx": "", "mapy": ""},
	}
	res := Transform(mapping, items)
	require.Len(t, res.Rows, 1)
	assert.Less(t, res.Rows[0]["data_quality_score"].(float64), 1.0)
}

func TestChunksSplitsAtConfiguredSize(t *testing.T) {
	rows := make([]Row, 7)
	chunks := Chunks(rows, 3)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[1], 3)
	assert.Len(t, chunks[2], 1)
}

func TestChunksDefaultSize(t *testing.T) {
	rows := make([]Row, 1500)
	chunks := Chunks(rows, 0)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], DefaultChunkSize)
}

func TestExtractItemsHandlesSingleObjectAndArray(t *testing.T) {
	single := map[string]any{"items": map[string]any{"item": map[string]any{"a": "1"}}}
	assert.Len(t, ExtractItems(single), 1)

	arr := map[string]any{"items": map[string]any{"item": []any{
		map[string]any{"a": "1"}, map[string]any{"a": "2"},
	}}}
	assert.Len(t, ExtractItems(arr), 2)
}

func TestExtractItemsHandlesLegacyFullResponseShape(t *testing.T) {
	legacy := map[string]any{
		"response": map[string]any{
			"body": map[string]any{
				"items": map[string]any{"item": []any{map[string]any{"a": "1"}}},
			},
		},
	}
	assert.Len(t, ExtractItems(legacy), 1)
}
