package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
)

type countingSink struct {
	calls int
	err   error
}

func (c *countingSink) Notify(ctx context.Context, alert Alert) error {
	c.calls++
	return c.err
}

func TestDedupSuppressesWithinCooldown(t *testing.T) {
	inner := &countingSink{}
	clock := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	d := NewDedup(inner, time.Hour)
	d.now = func() time.Time { return clock }

	alert := Alert{Incident: "job:tourism:failed", Severity: batcherr.SeverityCritical}
	require_NoError(t, d.Notify(context.Background(), alert))
	require_NoError(t, d.Notify(context.Background(), alert))
	assert.Equal(t, 1, inner.calls)

	clock = clock.Add(2 * time.Hour)
	require_NoError(t, d.Notify(context.Background(), alert))
	assert.Equal(t, 2, inner.calls)
}

func TestDedupTracksIncidentsIndependently(t *testing.T) {
	inner := &countingSink{}
	d := NewDedup(inner, time.Hour)

	require_NoError(t, d.Notify(context.Background(), Alert{Incident: "a"}))
	require_NoError(t, d.Notify(context.Background(), Alert{Incident: "b"}))
	assert.Equal(t, 2, inner.calls)
}

func TestFallbackUsesSecondaryOnPrimaryError(t *testing.T) {
	primary := &countingSink{err: errors.New("broker down")}
	secondary := &countingSink{}
	f := NewFallback(primary, secondary)

	require_NoError(t, f.Notify(context.Background(), Alert{Incident: "x"}))
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestFallbackSkipsSecondaryWhenPrimarySucceeds(t *testing.T) {
	primary := &countingSink{}
	secondary := &countingSink{}
	f := NewFallback(primary, secondary)

	require_NoError(t, f.Notify(context.Background(), Alert{Incident: "x"}))
	assert.Equal(t, 0, secondary.calls)
}

func require_NoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
