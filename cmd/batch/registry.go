package main

import (
	"github.com/aicc6/weather-flick-batch/internal/harvest"
	"github.com/aicc6/weather-flick-batch/internal/jobdef"
	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
	"github.com/aicc6/weather-flick-batch/internal/quality"
	"github.com/aicc6/weather-flick-batch/internal/transform"
	"github.com/aicc6/weather-flick-batch/internal/upsert"
)

// contentTypeTables maps spec §6's KTO content-type ids to their target
// domain table, the way areaBasedList2 responses are routed by contentTypeId
// in the original's mapping layer.
var contentTypeTables = map[string]string{
	"12": "tourist_attractions",
	"14": "cultural_facilities",
	"15": "festivals_events",
	"25": "travel_courses",
	"28": "leisure_sports",
	"32": "accommodations",
	"38": "shopping",
	"39": "restaurants",
}

// tourismMapping builds the Transform mapping for one KTO content type
// (spec §4.5, §6: content_id conflict column, Korea coordinate shape check).
func tourismMapping(contentType string) transform.Mapping {
	return transform.Mapping{
		ContentType: contentType,
		TargetTable: contentTypeTables[contentType],
		FieldMap: map[string]string{
			"contentid":   "content_id",
			"title":       "name",
			"addr1":       "address",
			"firstimage":  "image_url",
			"mapx":        "longitude",
			"mapy":        "latitude",
			"tel":         "phone",
		},
		RequiredRaw:     []string{"contentid", "title"},
		LatField:        "mapy",
		LonField:        "mapx",
		ConflictColumns: []string{"content_id"},
	}
}

func weatherMapping() transform.Mapping {
	return transform.Mapping{
		ContentType: "weather_forecast",
		TargetTable: "weather_forecasts",
		FieldMap: map[string]string{
			"regId":      "region_code",
			"category":   "category",
			"fcstDate":   "forecast_date",
			"fcstTime":   "forecast_time",
			"fcstValue":  "forecast_value",
		},
		RequiredRaw:     []string{"regId", "category", "fcstDate", "fcstTime"},
		TimestampFields: []string{"fcstDate"},
		ConflictColumns: []string{"region_code", "forecast_date", "forecast_time"},
	}
}

// tourismQualitySpec pairs a target table with the QualitySpec that gates
// it. Weights is left unset, so the Gate applies equal weights (spec §4.7).
func tourismQualitySpec(table string) quality.Spec {
	return quality.Spec{
		Table:                 table,
		RequiredColumns:       []string{"content_id", "name"},
		DateColumn:            "last_sync_at",
		FreshnessThresholdDays: 7,
		DuplicateKeyColumns:   []string{"content_id"},
	}
}

func weatherQualitySpec() quality.Spec {
	return quality.Spec{
		Table:                 "weather_forecasts",
		RequiredColumns:       []string{"region_code", "forecast_date", "forecast_time"},
		DateColumn:            "last_sync_at",
		FreshnessThresholdDays: 1,
		DuplicateKeyColumns:   []string{"region_code", "forecast_date", "forecast_time"},
	}
}

// buildHarvestJob wires a JobDefinition to its concrete harvest.Job: the
// Source (provider/endpoint/content-type), the Transform Mapping, and the
// Quality Gate spec for the table it lands in.
func buildHarvestJob(a *app, def jobdef.Definition) *harvest.Job {
	if def.ID == "weather_forecast" {
		source := harvest.Source{
			Provider:    keyregistry.ProviderKMA,
			Endpoint:    "/VilageFcstInfoService_2.0/getVilageFcst",
			ContentType: "weather_forecast",
			StaticParams: map[string]string{
				"dataType": "JSON",
			},
		}
		return harvest.New(def.ID, source, a.executor, weatherMapping(), a.engine,
			upsert.ProfileByName(a.cfg.Batch.OptimizationLevel), a.gate, weatherQualitySpec(), a.log)
	}

	contentType := def.ID[len("tourism_"):]
	source := harvest.Source{
		Provider:            keyregistry.ProviderKTO,
		Endpoint:            "/KorService2/areaBasedList2",
		ContentType:         contentType,
		StaticParams:        map[string]string{"contentTypeId": contentType, "MobileOS": "ETC", "MobileApp": "weather-flick-batch", "_type": "json"},
		ResultCodeExtractor: harvest.KTOResultCode,
	}
	table := contentTypeTables[contentType]
	return harvest.New(def.ID, source, a.executor, tourismMapping(contentType), a.engine,
		upsert.ProfileByName(a.cfg.Batch.OptimizationLevel), a.gate, tourismQualitySpec(table), a.log)
}
