// Package transform implements the Transform Pipeline (spec §4.5): a
// stateless mapper from (content-type tag, raw page) to typed rows plus a
// discard list, split into fixed-size chunks. Grounded on the original
// KTODataTransformer/KMADataTransformer field-mapping tables
// (original_source/app/processors/data_transformation_pipeline.py) and on
// backend/ingestion's map[string]interface{} row shape for ingested data.
package transform

import (
	"strconv"
	"strings"
	"time"
)

// Row is one typed domain row, keyed by its target table's columns. Values
// are left as any so callers can type-assert per column without this
// package knowing every table's Go struct.
type Row map[string]any

// DiscardReason explains why one raw item never became a Row.
type DiscardReason string

const (
	ReasonMissingRequiredField DiscardReason = "missing_required_field"
	ReasonBadCoordinate        DiscardReason = "bad_coordinate"
	ReasonMappingNotFound      DiscardReason = "mapping_not_found"
)

// Discard pairs one raw item with why it was dropped.
type Discard struct {
	Raw    map[string]any
	Reason DiscardReason
	Detail string
}

// Korea coordinate bounds, spec §4.5.
const (
	koreaLatMin, koreaLatMax = 32.0, 39.0
	koreaLonMin, koreaLonMax = 123.0, 132.0
)

// Mapping is the RawToTypedMapping config for one content type (spec §3).
type Mapping struct {
	ContentType    string
	TargetTable    string
	FieldMap       map[string]string // raw field -> typed column
	RequiredRaw    []string          // raw fields that must be present and non-empty
	LatField       string            // raw field holding latitude, "" if not geo
	LonField       string            // raw field holding longitude, "" if not geo
	TimestampFields []string         // raw fields to normalize into YYYYMMDDHHMMSS
	ConflictColumns []string         // upsert conflict key, carried through for the caller
}

// Registry is the set of known Mappings, keyed by content type.
type Registry map[string]Mapping

// DefaultChunkSize is spec §4.5's "configurable size (default 1000)".
const DefaultChunkSize = 1000

// Result is one Transform() invocation's output.
type Result struct {
	Rows     []Row
	Discards []Discard
}

// Transform applies shape check, normalization, field mapping, and
// per-row quality scoring, in that order (spec §4.5).
func Transform(mapping Mapping, items []map[string]any) Result {
	res := Result{Rows: make([]Row, 0, len(items))}

	for _, raw := range items {
		if reason, detail, ok := shapeCheck(mapping, raw); !ok {
			res.Discards = append(res.Discards, Discard{Raw: raw, Reason: reason, Detail: detail})
			continue
		}

		normalized := normalize(mapping, raw)
		row := mapFields(mapping, normalized)
		row["data_quality_score"] = qualityScore(mapping, row)
		res.Rows = append(res.Rows, row)
	}
	return res
}

// Chunks splits rows into fixed-size slices of configurable size (spec
// §4.5). size<=0 uses DefaultChunkSize. All chunks are built at once, not
// lazily; each is a sub-slice sharing rows' backing array, so no row is
// copied.
func Chunks(rows []Row, size int) [][]Row {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(rows) == 0 {
		return nil
	}
	chunks := make([][]Row, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

func shapeCheck(mapping Mapping, raw map[string]any) (DiscardReason, string, bool) {
	for _, field := range mapping.RequiredRaw {
		v, ok := raw[field]
		if !ok || isBlank(v) {
			return ReasonMissingRequiredField, field, false
		}
	}

	if mapping.LatField != "" && mapping.LonField != "" {
		lat, latOK := parseFloat(raw[mapping.LatField])
		lon, lonOK := parseFloat(raw[mapping.LonField])
		if !latOK || !lonOK {
			return ReasonBadCoordinate, "unparsable coordinate", false
		}
		if lat < koreaLatMin || lat > koreaLatMax || lon < koreaLonMin || lon > koreaLonMax {
			return ReasonBadCoordinate, "outside Korea bounds", false
		}
	}
	return "", "", true
}

func isBlank(v any) bool {
	s, ok := v.(string)
	if !ok {
		return v == nil
	}
	return strings.TrimSpace(s) == ""
}

func parseFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// normalize trims strings and converts configured timestamp fields to
// YYYYMMDDHHMMSS (spec §4.5 "Normalization"). JSON blobs pass through
// untouched — callers are responsible for not listing them as timestamp
// fields.
func normalize(mapping Mapping, raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	tsFields := make(map[string]bool, len(mapping.TimestampFields))
	for _, f := range mapping.TimestampFields {
		tsFields[f] = true
	}

	for k, v := range raw {
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		if tsFields[k] {
			if s, ok := v.(string); ok {
				v = normalizeTimestamp(s)
			}
		}
		out[k] = v
	}
	return out
}

// normalizeTimestamp accepts the common KTO/KMA shapes ("2006-01-02
// 15:04:05", "20060102150405", "20060102") and always returns
// YYYYMMDDHHMMSS, left unchanged if unparsable.
func normalizeTimestamp(s string) string {
	layouts := []string{"2006-01-02 15:04:05", "20060102150405", "20060102"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("20060102150405")
		}
	}
	return s
}

func mapFields(mapping Mapping, normalized map[string]any) Row {
	row := make(Row, len(mapping.FieldMap))
	for rawField, column := range mapping.FieldMap {
		row[column] = normalized[rawField]
	}
	return row
}

// qualityScore is the fraction of non-null mapped columns (spec §4.5
// "Quality score per row").
func qualityScore(mapping Mapping, row Row) float64 {
	if len(mapping.FieldMap) == 0 {
		return 0
	}
	nonNull := 0
	for _, column := range mapping.FieldMap {
		if v, ok := row[column]; ok && !isBlank(v) {
			nonNull++
		}
	}
	return float64(nonNull) / float64(len(mapping.FieldMap))
}

// ExtractItems normalizes the KTO/KMA "response.body.items.item" shape
// (which can be a single object or an array) into a slice, per spec §6
// ("implementers must normalize to an array"). Grounded on
// BaseDataTransformer._extract_items.
func ExtractItems(body map[string]any) []map[string]any {
	items, ok := body["items"].(map[string]any)
	if !ok {
		if resp, ok := body["response"].(map[string]any); ok {
			if b, ok := resp["body"].(map[string]any); ok {
				items, _ = b["items"].(map[string]any)
			}
		}
	}
	if items == nil {
		return nil
	}

	switch v := items["item"].(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{v}
	default:
		return nil
	}
}
