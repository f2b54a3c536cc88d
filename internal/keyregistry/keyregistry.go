// Package keyregistry owns ApiKey and QuotaLedger (spec §3, §4.1). It is
// the Go-idiomatic replacement for the original MultiAPIKeyManager module
// singleton (original_source/app/core/multi_api_key_manager.py): instead of
// a process-wide instance loaded from a JSON cache file, callers construct a
// *Registry explicitly and hand it a QuotaStore for persistence, so tests
// build fresh instances (spec §9 "Module-level singletons").
package keyregistry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Provider tags the two upstream APIs named in spec §3.
type Provider string

const (
	ProviderKTO Provider = "KTO"
	ProviderKMA Provider = "KMA"
)

// State is one of the four states an ApiKey can be in.
type State string

const (
	StateActive    State = "active"
	StateCooling   State = "cooling"
	StateExhausted State = "exhausted"
	StateDisabled  State = "disabled"
)

// Outcome classifies the result of one executed call, as recorded back onto
// the key that served it (spec §4.1 record()).
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeRateLimited
	OutcomeTransientError
	OutcomeAuthError
)

const (
	disabledAutoRecoverAfter = 30 * time.Minute
	rateLimitCooldown        = time.Hour
	transientErrorThreshold  = 5
)

// ApiKey is one credential of one provider, per spec §3.
type ApiKey struct {
	Provider         Provider
	Secret           string
	DailyQuota       int
	Usage            int
	ConsecutiveErrs  int
	TotalCalls       int
	TotalSuccesses   int
	State            State
	CooldownUntil    time.Time
	LastUsed         time.Time
	usageDay         string // YYYY-MM-DD in the registry's configured zone
}

// Hash returns a short, non-reversible identifier safe to log — ApiKey.Secret
// itself must never appear in a log line or error message (spec §4.1).
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

func (k *ApiKey) Hash() string { return Hash(k.Secret) }

// QuotaStore persists the per-(provider,key,day) usage counter so a restart
// does not lose quota accounting (spec §3 QuotaLedger, §6 "optional KV
// store"). InMemoryQuotaStore and RedisQuotaStore, both in quotastore.go,
// satisfy it.
type QuotaStore interface {
	// Load returns the usage recorded for (provider, keyHash, day), or
	// (0, false) if no row exists yet.
	Load(ctx context.Context, provider Provider, keyHash, day string) (int, bool, error)
	// Store writes through the current usage for (provider, keyHash, day).
	Store(ctx context.Context, provider Provider, keyHash, day string, usage int) error
}

// Registry holds, per provider, an ordered sequence of ApiKey (spec §4.1).
type Registry struct {
	mu       sync.Mutex
	keys     map[Provider][]*ApiKey
	rotation map[Provider]int
	store    QuotaStore
	loc      *time.Location
	now      func() time.Time
}

// New constructs a Registry. secrets is the provider's comma-split key list,
// quota is the per-key daily limit (spec's "positive integer"); loc is the
// IANA zone daily usage resets against (spec §9 Open Question — no implicit
// machine-local fallback).
func New(store QuotaStore, loc *time.Location) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	return &Registry{
		keys:     make(map[Provider][]*ApiKey),
		rotation: make(map[Provider]int),
		store:    store,
		loc:      loc,
		now:      time.Now,
	}
}

// LoadKeys hydrates one provider's key set from configuration, then rehydrates
// today's usage counters from the QuotaStore so a restart mid-day resumes
// with accurate accounting (spec §4.1 "hydrates usage counters").
func (r *Registry) LoadKeys(ctx context.Context, provider Provider, secrets []string, dailyQuota int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := r.today()
	keys := make([]*ApiKey, 0, len(secrets))
	for _, secret := range secrets {
		k := &ApiKey{
			Provider:   provider,
			Secret:     secret,
			DailyQuota: dailyQuota,
			State:      StateActive,
			usageDay:   day,
		}
		if r.store != nil {
			if usage, ok, err := r.store.Load(ctx, provider, k.Hash(), day); err == nil && ok {
				k.Usage = usage
				if usage >= dailyQuota {
					k.State = StateExhausted
				}
			}
		}
		keys = append(keys, k)
	}
	r.keys[provider] = keys
	r.rotation[provider] = 0
	return nil
}

func (r *Registry) today() string {
	return r.now().In(r.loc).Format("2006-01-02")
}

// rolloverLocked resets any key whose usageDay is stale and recovers any
// cooling key whose cooldown interval has elapsed. Must hold r.mu.
func (r *Registry) rolloverLocked(provider Provider) {
	day := r.today()
	now := r.now()
	for _, k := range r.keys[provider] {
		recoverIfCooledLocked(k, now)
		if k.usageDay != day {
			k.Usage = 0
			k.ConsecutiveErrs = 0
			k.usageDay = day
			if k.State == StateExhausted {
				k.State = StateActive
			}
		}
	}
}

// recoverIfCooledLocked flips a rate-limited key back to active once its
// cooldown interval has elapsed, per the glossary's "Cooldown — a per-key
// interval during which the key is not dispensed" (recovery is automatic,
// unlike the probe-gated recovery StateDisabled keys require). Must hold
// r.mu.
func recoverIfCooledLocked(k *ApiKey, now time.Time) {
	if k.State == StateCooling && !k.CooldownUntil.IsZero() && !now.Before(k.CooldownUntil) {
		k.State = StateActive
		k.CooldownUntil = time.Time{}
	}
}

// ErrExhausted is returned by Acquire when no key of the provider currently
// qualifies. Callers should classify this as batcherr.KindQuotaExhausted.
var ErrExhausted = fmt.Errorf("keyregistry: all keys exhausted or unavailable")

// Acquire scans from the rotation index and returns the first key whose
// state is active, usage < quota, and cooldown has elapsed, advancing the
// round-robin index on success (spec §4.1 acquire()).
func (r *Registry) Acquire(provider Provider) (*ApiKey, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rolloverLocked(provider)
	keys := r.keys[provider]
	if len(keys) == 0 {
		return nil, 0, ErrExhausted
	}

	start := r.rotation[provider]
	for i := 0; i < len(keys); i++ {
		idx := (start + i) % len(keys)
		k := keys[idx]
		if k.State != StateActive {
			continue
		}
		if k.Usage >= k.DailyQuota {
			continue
		}
		r.rotation[provider] = (idx + 1) % len(keys)
		return k, k.DailyQuota - k.Usage, nil
	}
	return nil, 0, ErrExhausted
}

// Record applies outcome to the key that served one call (spec §4.1
// record()). key must be a pointer previously returned by Acquire.
func (r *Registry) Record(ctx context.Context, key *ApiKey, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key.TotalCalls++
	switch outcome {
	case OutcomeOk:
		key.Usage++
		key.ConsecutiveErrs = 0
		key.LastUsed = now
		key.TotalSuccesses++
		if key.Usage >= key.DailyQuota {
			key.State = StateExhausted
		}
	case OutcomeRateLimited:
		key.State = StateCooling
		key.CooldownUntil = now.Add(rateLimitCooldown)
	case OutcomeTransientError:
		key.ConsecutiveErrs++
		if key.ConsecutiveErrs >= transientErrorThreshold {
			key.State = StateDisabled
			key.CooldownUntil = now.Add(disabledAutoRecoverAfter)
		}
	case OutcomeAuthError:
		key.State = StateDisabled
		key.CooldownUntil = time.Time{} // never: requires manual reactivation
	}

	if r.store != nil {
		return r.store.Store(ctx, key.Provider, key.Hash(), r.today(), key.Usage)
	}
	return nil
}

// Prober performs a cheap read against a provider to validate a disabled
// key has recovered. The HTTP executor supplies the real implementation;
// this package only owns the reactivation decision.
type Prober func(ctx context.Context, provider Provider, key *ApiKey) bool

// Probe attempts to reactivate currently-disabled keys of provider whose
// cooldown has elapsed at least disabledAutoRecoverAfter and whose probe
// succeeds (spec §4.1 probe(), invariant in §3: "cooldown elapsed >= 30 min
// AND a probe succeeds"). AuthError-disabled keys (CooldownUntil is zero)
// are never probed — they require manual reactivation.
func (r *Registry) Probe(ctx context.Context, provider Provider, probe Prober) int {
	r.mu.Lock()
	candidates := make([]*ApiKey, 0)
	now := r.now()
	for _, k := range r.keys[provider] {
		if k.State != StateDisabled {
			continue
		}
		if k.CooldownUntil.IsZero() {
			continue // AuthError: manual reactivation only
		}
		if now.Before(k.CooldownUntil) {
			continue
		}
		candidates = append(candidates, k)
	}
	r.mu.Unlock()

	reactivated := 0
	for _, k := range candidates {
		if probe(ctx, provider, k) {
			r.mu.Lock()
			k.State = StateActive
			k.ConsecutiveErrs = 0
			k.CooldownUntil = time.Time{}
			r.mu.Unlock()
			reactivated++
		}
	}
	return reactivated
}

// Snapshot is the aggregated, secret-free view returned by Snapshot() for
// observability (spec §4.1 snapshot()).
type Snapshot struct {
	Provider       Provider
	KeyCount       int
	ActiveCount    int
	TotalUsage     int
	TotalQuota     int
	TotalCalls     int
	TotalSuccesses int
}

func (r *Registry) Snapshot(provider Provider) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{Provider: provider}
	for _, k := range r.keys[provider] {
		s.KeyCount++
		if k.State == StateActive {
			s.ActiveCount++
		}
		s.TotalUsage += k.Usage
		s.TotalQuota += k.DailyQuota
		s.TotalCalls += k.TotalCalls
		s.TotalSuccesses += k.TotalSuccesses
	}
	return s
}

// OnlyCoolingDown reports whether every key of provider is currently
// unavailable specifically because it is rate-limited (StateCooling) rather
// than quota-exhausted or disabled — spec §7's "RateLimited surfaced only if
// every key lands in cooldown simultaneously" condition, distinct from
// AllExhaustedOrUnavailable's broader "nothing dispensable right now".
func (r *Registry) OnlyCoolingDown(provider Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked(provider)

	keys := r.keys[provider]
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if k.State != StateCooling {
			return false
		}
	}
	return true
}

// AllExhaustedOrUnavailable reports whether every key of provider is
// currently undispensable — used by the HTTP executor to decide whether a
// RateLimited condition should surface instead of being absorbed by
// rotation (spec §7: "RateLimited surfaced only if every key lands in
// cooldown simultaneously").
func (r *Registry) AllExhaustedOrUnavailable(provider Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked(provider)

	for _, k := range r.keys[provider] {
		if k.State != StateActive {
			continue
		}
		if k.Usage >= k.DailyQuota {
			continue
		}
		return false
	}
	return true
}
