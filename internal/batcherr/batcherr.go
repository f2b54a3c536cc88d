// Package batcherr defines the error taxonomy shared by every component of
// the batch engine. Components classify failures into a small set of kinds
// rather than relying on type assertions or string matching so that the
// scheduler and operator surface can reason about retryability and severity
// uniformly.
package batcherr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the error kinds named in the error handling design.
type Kind string

const (
	KindQuotaExhausted Kind = "quota_exhausted"
	KindRateLimited    Kind = "rate_limited"
	KindAuthError      Kind = "auth_error"
	KindTransient      Kind = "transient"
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindTimeout        Kind = "timeout"
	KindConfigError    Kind = "config_error"
)

// Severity mirrors the levels a JobExecution carries.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// defaultSeverity is used when a Kind is wrapped without an explicit severity.
var defaultSeverity = map[Kind]Severity{
	KindQuotaExhausted: SeverityCritical,
	KindRateLimited:     SeverityMedium,
	KindAuthError:       SeverityHigh,
	KindTransient:       SeverityMedium,
	KindValidation:      SeverityLow,
	KindConflict:        SeverityMedium,
	KindTimeout:         SeverityHigh,
	KindConfigError:     SeverityCritical,
}

// retryable reports whether the scheduler should consider retrying a whole
// job when the final error surfacing from a run carries this kind.
var retryable = map[Kind]bool{
	KindTransient:   true,
	KindTimeout:     true,
	KindRateLimited: true,
}

// Error is the classified error type that crosses component boundaries.
type Error struct {
	Kind     Kind
	Severity Severity
	Op       string // component/operation that raised it, e.g. "httpexec.call"
	cause    error
}

func (e *Error) Error() string {
	msg := sanitize(e.cause.Error())
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps cause as a classified Error, attaching a default severity for
// the kind. Op identifies the component/operation for the operator surface.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Severity: defaultSeverity[kind], Op: op, cause: cause}
}

// Newf is New with fmt.Errorf-style message construction.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithSeverity overrides the default severity, e.g. when a Transient error
// has exhausted all local retries and must surface as High.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// KindOf extracts the Kind from err, or "" if err is not (or does not wrap)
// a *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// SeverityOf extracts the Severity from err, defaulting to Medium for
// unclassified errors.
func SeverityOf(err error) Severity {
	var be *Error
	if errors.As(err, &be) {
		return be.Severity
	}
	return SeverityMedium
}

// Retryable reports whether the scheduler's whole-job retry policy applies
// to this error's kind.
func Retryable(err error) bool {
	return retryable[KindOf(err)]
}

// sensitiveKeys mirrors the parameter-sanitization list the original error
// framework used before surfacing a technical message to an operator.
var sensitiveKeys = []string{"apikey", "api_key", "servicekey", "password", "token", "secret", "auth"}

// sanitize redacts any substring that looks like it embeds a credential.
// It is intentionally coarse: callers must not put raw keys into messages in
// the first place (use keyregistry.Hash), this is a last line of defense.
func sanitize(msg string) string {
	lower := strings.ToLower(msg)
	for _, k := range sensitiveKeys {
		if idx := strings.Index(lower, k); idx >= 0 {
			return msg[:idx] + k + "=***(redacted)"
		}
	}
	return msg
}
