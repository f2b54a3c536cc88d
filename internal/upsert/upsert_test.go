package upsert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch/internal/transform"
)

func TestProfileByNameFallsBackToBalanced(t *testing.T) {
	assert.Equal(t, ProfileAggressive.Name, ProfileByName("aggressive").Name)
	assert.Equal(t, ProfileConservative.Name, ProfileByName("Conservative").Name)
	assert.Equal(t, ProfileBalanced.Name, ProfileByName("unknown").Name)
}

func TestBuildUpsertQueryIncludesConflictClause(t *testing.T) {
	spec := Spec{
		TargetTable:     "tourist_attractions",
		ConflictColumns: []string{"content_id"},
		Profile:         Profile{UpsertEnabled: true},
	}
	chunk := []transform.Row{
		{"content_id": "1", "attraction_name": "A"},
	}
	query, args := buildUpsertQuery(spec, chunk)
	assert.Contains(t, query, "INSERT INTO tourist_attractions")
	assert.Contains(t, query, "ON CONFLICT (content_id) DO UPDATE SET")
	assert.Len(t, args, 2)
}

func TestBuildUpsertQueryPlainInsertWhenUpsertDisabled(t *testing.T) {
	spec := Spec{
		TargetTable: "tourist_attractions",
		Profile:     Profile{UpsertEnabled: false},
	}
	chunk := []transform.Row{{"content_id": "1"}}
	query, _ := buildUpsertQuery(spec, chunk)
	assert.NotContains(t, query, "ON CONFLICT")
}

func TestReportRecordsPerSecondHandlesZeroDuration(t *testing.T) {
	r := Report{SuccessfulRecords: 10}
	assert.Equal(t, float64(0), r.RecordsPerSecond())
}
