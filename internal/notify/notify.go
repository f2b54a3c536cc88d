// Package notify implements the Notification egress (spec §6): operators
// are alerted when a scheduled job fails and will not be retried, whatever
// its severity (a quality-gate breach reaches them as such a job failure).
// Grounded
// on talk-lucky-data-group's orchestration/service.go publishTask (NATS
// JetStream publish-with-ensure-stream pattern) and its webhook executor's
// durable-subscribe shape, generalized from a workflow task queue to an
// alert egress with cooldown dedup.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
)

// Alert is one notification event.
type Alert struct {
	JobID     string
	Incident  string // stable identifier for cooldown dedup, e.g. "job:<id>:failed" or "quality:<table>:breach"
	Severity  batcherr.Severity
	Message   string
	OccurredAt time.Time
}

// Sink delivers an Alert to an egress channel.
type Sink interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogSink is the always-available fallback: it writes the alert through the
// structured logger instead of failing silently when no broker is
// configured (spec §6 "falls back to log-only when the egress is
// unavailable").
type LogSink struct {
	log *logrus.Logger
}

func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(ctx context.Context, alert Alert) error {
	s.log.WithFields(logrus.Fields{
		"job_id":   alert.JobID,
		"incident": alert.Incident,
		"severity": alert.Severity,
	}).Warn(alert.Message)
	return nil
}

// NatsSink publishes Alerts onto a JetStream subject, creating the stream
// on first use the same way publishTask does.
type NatsSink struct {
	js         nats.JetStreamContext
	subject    string
	streamName string
}

func NewNatsSink(js nats.JetStreamContext, subject, streamName string) *NatsSink {
	return &NatsSink{js: js, subject: subject, streamName: streamName}
}

func (s *NatsSink) ensureStream() error {
	if _, err := s.js.StreamInfo(s.streamName); err == nil {
		return nil
	}
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:     s.streamName,
		Subjects: []string{s.subject},
		Storage:  nats.FileStorage,
	})
	return err
}

func (s *NatsSink) Notify(ctx context.Context, alert Alert) error {
	if err := s.ensureStream(); err != nil {
		return batcherr.New(batcherr.KindTransient, "notify.ensureStream", err)
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return batcherr.New(batcherr.KindValidation, "notify.marshal", err)
	}
	if _, err := s.js.Publish(s.subject, payload); err != nil {
		return batcherr.New(batcherr.KindTransient, "notify.publish", err)
	}
	return nil
}

// Dedup wraps a Sink and suppresses repeat alerts for the same Incident
// within a cooldown window (spec §6 "alert cooldown dedup").
type Dedup struct {
	sink     Sink
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewDedup(sink Sink, cooldown time.Duration) *Dedup {
	return &Dedup{sink: sink, cooldown: cooldown, now: time.Now, last: make(map[string]time.Time)}
}

func (d *Dedup) Notify(ctx context.Context, alert Alert) error {
	d.mu.Lock()
	now := d.now()
	if last, ok := d.last[alert.Incident]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		return nil
	}
	d.last[alert.Incident] = now
	d.mu.Unlock()

	return d.sink.Notify(ctx, alert)
}

// Fallback tries primary first and falls back to secondary on error, so a
// broker outage degrades to log-only instead of dropping the alert.
type Fallback struct {
	primary, secondary Sink
}

func NewFallback(primary, secondary Sink) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Notify(ctx context.Context, alert Alert) error {
	if err := f.primary.Notify(ctx, alert); err != nil {
		if ferr := f.secondary.Notify(ctx, alert); ferr != nil {
			return fmt.Errorf("primary sink failed (%w) and fallback failed: %v", err, ferr)
		}
		return nil
	}
	return nil
}
