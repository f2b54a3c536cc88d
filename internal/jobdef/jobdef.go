// Package jobdef holds the static JobDefinition registry (spec §3, §4.8).
// Grounded on backend/scheduler's ScheduleDefinition (a static, id-keyed
// trigger descriptor loaded once at startup) generalized with the retry,
// dependency, and priority fields spec §3 adds.
package jobdef

import "time"

// Trigger is either a cron expression or a fixed interval, never both.
type Trigger struct {
	Cron     string        // robfig/cron/v3 expression, empty if Interval is set
	Interval time.Duration // fires every Interval, empty if Cron is set
}

// Definition is the static JobDefinition named in spec §3.
type Definition struct {
	ID           string
	DisplayName  string
	JobType      string
	Trigger      Trigger
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoffBase time.Duration
	Priority     int
	Dependencies []string // job ids that must have produced a Success within the last 24h
	Enabled      bool
}

// Registry is an in-memory, load-once set of Definitions keyed by ID.
// Grounded on backend/metadata/store.go's map+mutex Store idiom, but
// read-mostly here: definitions are loaded at startup and rarely mutated
// afterward, so a plain map behind a registry struct (no RWMutex) is
// sufficient — callers must not mutate concurrently with Register.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func (r *Registry) Register(d Definition) {
	r.defs[d.ID] = d
}

func (r *Registry) Get(id string) (Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

func (r *Registry) Enabled() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}
