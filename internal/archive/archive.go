// Package archive implements the Raw Archive Writer (spec §4.4): a
// synchronous, append-only writer of RawResponse rows, each stamped with an
// expires_at computed from a provider-class TTL table, with an optional S3
// cold-overflow path for bodies past a size threshold. Grounded on
// backend/ingestion's database/sql + lib/pq usage for the Postgres side, and
// on systemoutprintlnnnn-emomo's internal/storage for the S3 client wiring.
package archive

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
)

// ProviderClass distinguishes the two TTL buckets spec §4.4 names. Each
// provider maps to exactly one class.
type ProviderClass string

const (
	ClassTourism ProviderClass = "tourism"
	ClassWeather ProviderClass = "weather"
)

// ttlByClass is the "provider-class TTL table" spec §4.4 names by example:
// tourism ≈ 7 days, weather ≈ 6 hours.
var ttlByClass = map[ProviderClass]time.Duration{
	ClassTourism: 7 * 24 * time.Hour,
	ClassWeather: 6 * time.Hour,
}

func classOf(provider keyregistry.Provider) ProviderClass {
	if provider == keyregistry.ProviderKMA {
		return ClassWeather
	}
	return ClassTourism
}

// Record is what callers hand to Write; it mirrors the RawResponse
// attributes in spec §3 minus the fields the writer computes itself.
type Record struct {
	Provider    keyregistry.Provider
	Endpoint    string
	Method      string
	Params      map[string]string
	Headers     map[string]string
	Status      int
	Body        []byte
	DurationMS  int64
	KeyHash     string
	ContentType string
}

// s3Overflow, when non-nil, is consulted for bodies at or above
// s3OverflowThreshold so the database row carries a pointer instead of the
// full payload (spec §3 "archive-file-path (optional)").
type s3Overflow struct {
	client *s3.Client
	bucket string
}

const s3OverflowThreshold = 256 * 1024 // 256 KiB

// Writer persists RawResponse rows into api_raw_data (spec §6 "Required
// tables"). Writes are synchronous: durability over throughput, per spec
// §5 "Raw Archive Writer is thread-safe and batches nothing."
type Writer struct {
	db      *sql.DB
	s3      *s3Overflow
	nowFunc func() time.Time
}

// New constructs a Writer against an already-open *sql.DB (the shared pool
// named in spec §5 "Shared resources").
func New(db *sql.DB) *Writer {
	return &Writer{db: db, nowFunc: time.Now}
}

// WithS3Overflow enables cold storage for large bodies (spec §1's "Non-goals"
// never excludes this — it is ambient durability infrastructure, grounded
// on the pack's aws-sdk-go-v2/service/s3 usage).
func (w *Writer) WithS3Overflow(client *s3.Client, bucket string) *Writer {
	w.s3 = &s3Overflow{client: client, bucket: bucket}
	return w
}

// Write inserts one row and returns its id, computing expires_at from the
// provider's TTL class (spec §4.4).
func (w *Writer) Write(ctx context.Context, rec Record) (string, error) {
	id := uuid.New().String()
	now := w.nowFunc()
	ttl := ttlByClass[classOf(rec.Provider)]
	expiresAt := now.Add(ttl)

	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return "", batcherr.New(batcherr.KindValidation, "archive.Write", err)
	}
	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return "", batcherr.New(batcherr.KindValidation, "archive.Write", err)
	}

	body := rec.Body
	archivePath := ""
	if w.s3 != nil && len(body) >= s3OverflowThreshold {
		key := fmt.Sprintf("raw/%s/%s/%s.json", rec.Provider, now.Format("2006/01/02"), id)
		if _, err := w.s3.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &w.s3.bucket,
			Key:    &key,
			Body:   bytes.NewReader(body),
		}); err != nil {
			return "", batcherr.New(batcherr.KindTransient, "archive.Write.s3", err)
		}
		archivePath = fmt.Sprintf("s3://%s/%s", w.s3.bucket, key)
		body = nil
	}

	const q = `
		INSERT INTO api_raw_data (
			id, provider, endpoint, request_method, request_params, request_headers,
			response_status, response_body, response_size_bytes, duration_ms,
			key_hash, content_type, archive_file_path, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	_, err = w.db.ExecContext(ctx, q,
		id, rec.Provider, rec.Endpoint, rec.Method, paramsJSON, headersJSON,
		rec.Status, body, len(rec.Body), rec.DurationMS,
		rec.KeyHash, rec.ContentType, nullableString(archivePath), now, expiresAt,
	)
	if err != nil {
		return "", batcherr.New(batcherr.KindConflict, "archive.Write", err)
	}
	return id, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Purge deletes rows whose expires_at has passed, per spec §3 "purged by
// retention (default monthly partition + archive)". Callers run this from
// a maintenance job, not inline with Write.
func (w *Writer) Purge(ctx context.Context) (int64, error) {
	res, err := w.db.ExecContext(ctx, `DELETE FROM api_raw_data WHERE expires_at < $1`, w.nowFunc())
	if err != nil {
		return 0, batcherr.New(batcherr.KindConflict, "archive.Purge", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
