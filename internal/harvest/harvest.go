// Package harvest implements the concrete Job that the Scheduler fires for
// each tourism/weather content type (spec §6's "data flow: Scheduler fires
// a Job -> Job asks HTTP Executor for pages -> Executor ... -> Transform ->
// Bulk Upsert ... -> Quality Gate"). Grounded on backend/ingestion's
// multi-source dispatch (CSV vs PostgreSQL chosen by config) generalized to
// paged-HTTP-vs-single-call dispatch by content type.
package harvest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
	"github.com/aicc6/weather-flick-batch/internal/httpexec"
	"github.com/aicc6/weather-flick-batch/internal/jobs"
	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
	"github.com/aicc6/weather-flick-batch/internal/logging"
	"github.com/aicc6/weather-flick-batch/internal/quality"
	"github.com/aicc6/weather-flick-batch/internal/transform"
	"github.com/aicc6/weather-flick-batch/internal/upsert"
)

// defaultPageSize mirrors spec §6's "pageNo/numOfRows (default 100)".
const defaultPageSize = 100

// Source describes one provider endpoint to page through.
type Source struct {
	Provider    keyregistry.Provider
	Endpoint    string
	ContentType string
	StaticParams map[string]string
	Sequential  bool // spec §5: page N archived before N+1 issued when true
	ResultCodeExtractor func(body []byte) (string, bool)
}

// Job wires one Source through the HTTP Executor, Transform, and Bulk
// Upsert Engine end to end (spec §1's data-flow summary, literally).
type Job struct {
	id       string
	source   Source
	executor *httpexec.Executor
	mapping  transform.Mapping
	engine   *upsert.Engine
	profile  upsert.Profile
	gate     *quality.Gate
	qualitySpec quality.Spec
	log      *logging.Logger

	lastProcessed int
	lastFailed    int
}

func New(id string, source Source, executor *httpexec.Executor, mapping transform.Mapping, engine *upsert.Engine, profile upsert.Profile, gate *quality.Gate, qualitySpec quality.Spec, log *logging.Logger) *Job {
	return &Job{
		id: id, source: source, executor: executor, mapping: mapping,
		engine: engine, profile: profile, gate: gate, qualitySpec: qualitySpec, log: log,
	}
}

func (j *Job) ID() string { return j.id }

func (j *Job) Validate(ctx context.Context, params jobs.Params) error {
	if j.source.Endpoint == "" {
		return batcherr.Newf(batcherr.KindValidation, "harvest.Validate", "job %s has no endpoint configured", j.id)
	}
	return nil
}

// Execute pages through the source, transforms every page's items, and
// upserts each page's rows before requesting the next page (spec §5's
// sequential ordering), whatever source.Sequential is set to; there is no
// unordered mode.
func (j *Job) Execute(ctx context.Context, params jobs.Params) (jobs.Result, error) {
	page := 1
	result := jobs.Result{}

	for {
		resp, err := j.fetchPage(ctx, page)
		if err != nil {
			return result, err
		}

		items, err := decodeItems(resp.Body)
		if err != nil {
			return result, batcherr.New(batcherr.KindValidation, "harvest.Execute", err)
		}
		if len(items) == 0 {
			break
		}

		tr := transform.Transform(j.mapping, items)
		result.FailedRecords += len(tr.Discards)

		if len(tr.Rows) > 0 {
			spec := upsert.Spec{TargetTable: j.mapping.TargetTable, ConflictColumns: j.mapping.ConflictColumns, Profile: j.profile}
			report, err := j.engine.Upsert(ctx, spec, tr.Rows)
			if err != nil {
				return result, err
			}
			result.ProcessedRecords += report.SuccessfulRecords
			result.FailedRecords += report.FailedRecords
		}

		if len(items) < defaultPageSize {
			break
		}
		page++
	}

	j.lastProcessed, j.lastFailed = result.ProcessedRecords, result.FailedRecords

	if j.gate != nil {
		report, err := j.gate.Evaluate(ctx, j.qualitySpec)
		if err != nil {
			j.log.WithError(err).Warn("quality gate evaluation failed")
		} else if !report.Passed {
			j.log.WithField("table", j.qualitySpec.Table).WithField("overall", report.Overall).
				Warn("quality gate failed threshold")
			return result, batcherr.Newf(batcherr.KindValidation, "harvest.Execute",
				"quality gate failed for table %s: overall score %.2f below threshold",
				j.qualitySpec.Table, report.Overall).WithSeverity(batcherr.SeverityMedium)
		}
	}

	return result, nil
}

func (j *Job) Cleanup(ctx context.Context) {
	j.log.WithField("job_id", j.id).WithField("processed", j.lastProcessed).
		WithField("failed", j.lastFailed).Info("harvest job finished")
}

func (j *Job) fetchPage(ctx context.Context, page int) (*httpexec.Response, error) {
	params := map[string]string{}
	for k, v := range j.source.StaticParams {
		params[k] = v
	}
	params["pageNo"] = fmt.Sprintf("%d", page)
	params["numOfRows"] = fmt.Sprintf("%d", defaultPageSize)

	return j.executor.Call(ctx, j.source.Provider, j.source.Endpoint, params, httpexec.CallOptions{
		StoreRaw:            true,
		ContentType:         j.source.ContentType,
		ResultCodeExtractor: j.source.ResultCodeExtractor,
	})
}

func decodeItems(body []byte) ([]map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return transform.ExtractItems(doc), nil
}

// KTOResultCode extracts response.header.resultCode per spec §6.
func KTOResultCode(body []byte) (string, bool) {
	var doc struct {
		Response struct {
			Header struct {
				ResultCode string `json:"resultCode"`
			} `json:"header"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	return doc.Response.Header.ResultCode, true
}
