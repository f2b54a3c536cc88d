// Package httpexec implements the HTTP Executor (spec §4.3): it pairs one
// outbound call with a Governor slot and a Key Registry key, classifies the
// outcome, and (optionally) hands the tuple to an archive.Writer. Grounded
// on backend/ingestion's interface-based HTTP client shape (MetadataServiceAPIClient/
// HTTPMetadataClient) but built on go-resty/resty/v2 instead of bare
// net/http, the way systemoutprintlnnnn-emomo wires its outbound clients.
package httpexec

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aicc6/weather-flick-batch/internal/archive"
	"github.com/aicc6/weather-flick-batch/internal/batcherr"
	"github.com/aicc6/weather-flick-batch/internal/governor"
	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
	"github.com/aicc6/weather-flick-batch/internal/logging"
)

// Classification is the 4-way outcome bucket from spec §4.3.
type Classification int

const (
	ClassOk Classification = iota
	ClassRateLimited
	ClassTransient
	ClassAuth
)

// rateLimitedMarkers and authMarkers mirror spec §4.3's "explicit
// classification rules" body-text matches.
var (
	rateLimitedMarkers = []string{"LIMITED_NUMBER_OF_SERVICE_REQUESTS_EXCEEDS"}
	authMarkers        = []string{"SERVICE_KEY_IS_NOT_REGISTERED"}
)

// Response is the structured result returned on success, named in spec §4.3.
type Response struct {
	Status   int
	Body     []byte
	Duration time.Duration
	KeyHash  string
	ArchiveID string
}

// Archiver is the Raw Archive Writer's hook, invoked for both success and
// failure when storeRaw is requested (spec §4.3 step 6).
type Archiver interface {
	Write(ctx context.Context, rec archive.Record) (string, error)
}

// Executor ties together the Governor, Key Registry, and an optional
// Archiver behind the single call() contract from spec §4.3.
type Executor struct {
	client   *resty.Client
	governor *governor.Governor
	registry *keyregistry.Registry
	archiver Archiver
	log      *logging.Logger
	baseURLs map[keyregistry.Provider]string
}

// Options configures an Executor.
type Options struct {
	RequestTimeout time.Duration
	BaseURLs       map[keyregistry.Provider]string
}

func New(gov *governor.Governor, reg *keyregistry.Registry, archiver Archiver, log *logging.Logger, opts Options) *Executor {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Executor{
		client:   resty.New().SetTimeout(timeout).SetRetryCount(0),
		governor: gov,
		registry: reg,
		archiver: archiver,
		log:      log,
		baseURLs: opts.BaseURLs,
	}
}

// CallOptions configures one call() invocation.
type CallOptions struct {
	StoreRaw    bool
	ContentType string // provider content-type tag, archived alongside the record
	KeyParam    string // the query param the provider expects its credential under; default "serviceKey"
	// ResultCodeExtractor, if set, decodes a provider-specific success code
	// out of the response body (e.g. response.header.resultCode for KTO).
	// A non-"00" code is classified Transient per spec §4.3 step 5, even
	// when the HTTP status itself was 200.
	ResultCodeExtractor func(body []byte) (code string, ok bool)
}

// Call executes one request against provider/endpoint, following the exact
// step order of spec §4.3.
func (e *Executor) Call(ctx context.Context, provider keyregistry.Provider, endpoint string, params map[string]string, opts CallOptions) (*Response, error) {
	slot, err := e.governor.Acquire(ctx, provider)
	if err != nil {
		return nil, batcherr.New(batcherr.KindTimeout, "httpexec.Call", err)
	}

	key, _, err := e.registry.Acquire(provider)
	if err != nil {
		slot.Abort()
		kind := batcherr.KindQuotaExhausted
		if e.registry.AllExhaustedOrUnavailable(provider) && e.registry.OnlyCoolingDown(provider) {
			kind = batcherr.KindRateLimited
		}
		return nil, batcherr.New(kind, "httpexec.Call", err)
	}

	keyParam := opts.KeyParam
	if keyParam == "" {
		keyParam = "serviceKey"
	}

	req := e.client.R().SetContext(ctx)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}
	req.SetQueryParam(keyParam, key.Secret)

	baseURL := e.baseURLs[provider]
	url := baseURL + endpoint

	start := time.Now()
	resp, reqErr := req.Get(url)
	duration := time.Since(start)

	var status int
	var respBody []byte
	if resp != nil {
		status = resp.StatusCode()
		respBody = resp.Body()
	}

	class, classifyErr := classify(status, respBody, reqErr)
	if class == ClassOk && opts.ResultCodeExtractor != nil {
		if code, ok := opts.ResultCodeExtractor(respBody); ok && code != "00" {
			class = ClassTransient
			classifyErr = batcherr.Newf(batcherr.KindTransient, "httpexec.classify", "provider resultCode %q", code)
		}
	}

	outcome := outcomeFor(class)
	if recErr := e.registry.Record(ctx, key, outcome); recErr != nil {
		e.log.WithError(recErr).Warn("keyregistry record failed")
	}
	slot.Release(class == ClassOk)

	if opts.StoreRaw && e.archiver != nil {
		archiveID, archErr := e.archiver.Write(ctx, archive.Record{
			Provider:    provider,
			Endpoint:    endpoint,
			Method:      http.MethodGet,
			Params:      params,
			Status:      status,
			Body:        respBody,
			DurationMS:  duration.Milliseconds(),
			KeyHash:     key.Hash(),
			ContentType: opts.ContentType,
		})
		if archErr != nil {
			e.log.WithError(archErr).Warn("raw archive write failed")
		}
		if classifyErr == nil {
			return &Response{Status: status, Body: respBody, Duration: duration, KeyHash: key.Hash(), ArchiveID: archiveID}, nil
		}
	}

	if classifyErr != nil {
		return nil, classifyErr
	}
	return &Response{Status: status, Body: respBody, Duration: duration, KeyHash: key.Hash()}, nil
}

// Probe issues a bare GET against endpoint using key's own credential
// directly, bypassing the Key Registry's Acquire/rotation and Record
// bookkeeping entirely: spec §3's reactivation invariant requires "a probe
// succeeds" for the specific disabled key under test, not for whatever
// active key rotation happens to hand back on the next normal Call.
func (e *Executor) Probe(ctx context.Context, provider keyregistry.Provider, key *keyregistry.ApiKey, endpoint string, params map[string]string) error {
	slot, err := e.governor.Acquire(ctx, provider)
	if err != nil {
		return batcherr.New(batcherr.KindTimeout, "httpexec.Probe", err)
	}

	keyParam := "serviceKey"
	req := e.client.R().SetContext(ctx)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}
	req.SetQueryParam(keyParam, key.Secret)

	resp, reqErr := req.Get(e.baseURLs[provider] + endpoint)

	var status int
	var body []byte
	if resp != nil {
		status = resp.StatusCode()
		body = resp.Body()
	}

	class, classifyErr := classify(status, body, reqErr)
	slot.Release(class == ClassOk)
	return classifyErr
}

func outcomeFor(class Classification) keyregistry.Outcome {
	switch class {
	case ClassRateLimited:
		return keyregistry.OutcomeRateLimited
	case ClassAuth:
		return keyregistry.OutcomeAuthError
	case ClassTransient:
		return keyregistry.OutcomeTransientError
	default:
		return keyregistry.OutcomeOk
	}
}

// classify applies spec §4.3's explicit classification rules, in order.
func classify(status int, rawBody []byte, reqErr error) (Classification, error) {
	if reqErr != nil {
		return ClassTransient, batcherr.New(batcherr.KindTransient, "httpexec.classify", reqErr)
	}

	body := string(rawBody)

	if status == http.StatusTooManyRequests || containsAny(body, rateLimitedMarkers) {
		return ClassRateLimited, batcherr.Newf(batcherr.KindRateLimited, "httpexec.classify", "rate limited (status %d)", status)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden || containsAny(body, authMarkers) {
		return ClassAuth, batcherr.Newf(batcherr.KindAuthError, "httpexec.classify", "auth rejected (status %d)", status)
	}
	if status >= 500 {
		return ClassTransient, batcherr.Newf(batcherr.KindTransient, "httpexec.classify", "upstream error (status %d)", status)
	}
	if status < 200 || status >= 300 {
		return ClassTransient, batcherr.Newf(batcherr.KindTransient, "httpexec.classify", "unexpected status %d", status)
	}
	return ClassOk, nil
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
