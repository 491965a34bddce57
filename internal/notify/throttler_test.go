package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	to   []string
	err  error
}

func (f *fakeSender) SendText(_ context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, body)
	f.to = append(f.to, to)
	return fmt.Sprintf("wamid.%d", len(f.sent)), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestThrottler(sender Sender, start time.Time) (*Throttler, *time.Time) {
	now := start
	th := NewThrottler(sender, "5511999990000", 10, 300*time.Second)
	th.SetClock(func() time.Time { return now })
	return th, &now
}

func TestSend_DeduplicatesWithinTTL(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	th, now := newTestThrottler(sender, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	assert.True(t, th.Send(ctx, "db down", false))
	assert.False(t, th.Send(ctx, "db down", false))

	*now = now.Add(299 * time.Second)
	assert.False(t, th.Send(ctx, "db down", false))

	*now = now.Add(2 * time.Second)
	assert.True(t, th.Send(ctx, "db down", false), "TTL elapsed")

	assert.Equal(t, 2, sender.count())
	assert.Equal(t, "5511999990000", sender.to[0])
}

func TestSend_RateWindow(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	th, now := newTestThrottler(sender, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	suppressed := 0
	for i := 0; i < 11; i++ {
		if !th.Send(ctx, fmt.Sprintf("alert %d", i), false) {
			suppressed++
		}
		*now = now.Add(time.Minute)
	}
	assert.Equal(t, 1, suppressed)
	assert.Equal(t, 10, sender.count())

	// the first send leaves the rolling hour
	*now = time.Date(2026, 3, 1, 11, 0, 1, 0, time.UTC)
	assert.True(t, th.Send(ctx, "alert late", false))
	assert.False(t, th.Send(ctx, "alert later", false))
}

func TestSend_ForceBypassesChecks(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	th, _ := newTestThrottler(sender, time.Now())

	for i := 0; i < 10; i++ {
		require.True(t, th.Send(ctx, fmt.Sprintf("alert %d", i), false))
	}
	assert.False(t, th.Send(ctx, "alert 0", false))
	assert.True(t, th.Send(ctx, "alert 0", true))
	assert.True(t, th.Send(ctx, "fresh", true))
	assert.Equal(t, 12, sender.count())
}

func TestSend_TransportFailureDoesNotConsumeBudget(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{err: errors.New("connection refused")}
	th, _ := newTestThrottler(sender, time.Now())

	assert.False(t, th.Send(ctx, "db down", false))

	sender.err = nil
	assert.True(t, th.Send(ctx, "db down", false), "failed send is not remembered as a duplicate")
}

func TestSend_DisabledWithoutAdminNumber(t *testing.T) {
	sender := &fakeSender{}
	th := NewThrottler(sender, "", 10, time.Minute)
	assert.False(t, th.Send(context.Background(), "hello", true))
	assert.Zero(t, sender.count())
}

func TestNotifyError(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	th, _ := newTestThrottler(sender, time.Date(2026, 3, 1, 14, 3, 22, 0, time.UTC))

	cause := errors.New("insert failed for phone 5511988887777 text 'quero comprar'")
	err := fmt.Errorf("resolve: %w", Wrap(KindResolution, SeverityCritical, "resolve order", cause))

	require.True(t, th.NotifyError(ctx, err, map[string]string{
		"endpoint": "POST /webhook",
		"phone":    "5511988887777",
		"text":     "quero comprar",
	}))
	require.Equal(t, 1, sender.count())

	alert := sender.sent[0]
	assert.Equal(t, "🚨 resolution_failure\nendpoint: POST /webhook\n🕒 14:03:22", alert)
	assert.False(t, strings.Contains(alert, "5511988887777"))
	assert.False(t, strings.Contains(alert, "quero"))

	assert.False(t, th.NotifyError(ctx, Silence(KindMalformedEvent, "parse", errors.New("bad json")), nil))
	assert.False(t, th.NotifyError(ctx, nil, nil))
	assert.Equal(t, 1, sender.count())
}

func TestFormatAlert_DefaultKind(t *testing.T) {
	kind, severity, silent := Classify(errors.New("plain"))
	assert.Equal(t, KindUnexpected, kind)
	assert.Equal(t, SeverityCritical, severity)
	assert.False(t, silent)

	at := time.Date(2026, 1, 1, 8, 5, 9, 0, time.UTC)
	got := FormatAlert(KindFlowStep, SeverityWarning, map[string]string{"flow": "send_intro", "order_id": "12"}, at)
	assert.Equal(t, "⚠️ flow_step_failure\nflow: send_intro\norder_id: 12\n🕒 08:05:09", got)
}
