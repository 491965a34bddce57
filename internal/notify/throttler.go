package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapfunnel/internal/metrics"
)

const window = time.Hour

// Sender delivers a text message to a WhatsApp number.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// Throttler sends operator alerts over WhatsApp while suppressing repeats
// inside the dedup TTL and capping sends per rolling hour. State is
// per process. Sends are serialized.
type Throttler struct {
	sender      Sender
	adminNumber string
	maxPerHour  int
	ttl         time.Duration

	mu     sync.Mutex
	sent   []time.Time
	recent *cache.Cache

	now func() time.Time
}

// NewThrottler builds a throttler. An empty adminNumber disables sending.
func NewThrottler(sender Sender, adminNumber string, maxPerHour int, ttl time.Duration) *Throttler {
	if maxPerHour <= 0 {
		maxPerHour = 10
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Throttler{
		sender:      sender,
		adminNumber: adminNumber,
		maxPerHour:  maxPerHour,
		ttl:         ttl,
		// no janitor goroutine; expired entries are dropped on each Send
		recent: cache.New(ttl, 0),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (t *Throttler) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Send delivers message to the admin number unless it is a duplicate within
// the TTL or the hourly budget is spent. force skips both checks. It reports
// whether the message went out.
func (t *Throttler) Send(ctx context.Context, message string, force bool) bool {
	if t.adminNumber == "" || t.sender == nil {
		metrics.Notifications.WithLabelValues("disabled").Inc()
		log.Debug().Msg("Admin notification skipped, no admin number configured")
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.recent.DeleteExpired()
	t.prune(now)

	if !force {
		if v, found := t.recent.Get(message); found {
			if sentAt, ok := v.(time.Time); ok && now.Sub(sentAt) < t.ttl {
				metrics.Notifications.WithLabelValues("duplicate").Inc()
				log.Debug().Msg("Admin notification suppressed, duplicate within TTL")
				return false
			}
		}
		if len(t.sent) >= t.maxPerHour {
			metrics.Notifications.WithLabelValues("rate_limited").Inc()
			log.Warn().Int("maxPerHour", t.maxPerHour).Msg("Admin notification suppressed, hourly limit reached")
			return false
		}
	}

	if _, err := t.sender.SendText(ctx, t.adminNumber, message); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("Failed to deliver admin notification")
		return false
	}

	t.sent = append(t.sent, now)
	t.recent.Set(message, now, cache.DefaultExpiration)
	metrics.Notifications.WithLabelValues("sent").Inc()
	return true
}

// prune drops send timestamps older than the window. Caller holds mu.
func (t *Throttler) prune(now time.Time) {
	cutoff := now.Add(-window)
	keep := t.sent[:0]
	for _, ts := range t.sent {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	t.sent = keep
}

// alertFields are the only context keys copied into an alert; anything else
// could carry customer data.
var alertFields = []string{"endpoint", "flow", "order_id", "attempts"}

// NotifyError alerts the operator about err with a short summary. Silent
// errors are skipped.
func (t *Throttler) NotifyError(ctx context.Context, err error, fields map[string]string) bool {
	if err == nil {
		return false
	}
	kind, severity, silent := Classify(err)
	if silent {
		return false
	}
	return t.Send(ctx, FormatAlert(kind, severity, fields, t.now()), false)
}

// FormatAlert renders the alert text. Only whitelisted fields are included and
// the error message itself is never part of it.
func FormatAlert(kind Kind, severity Severity, fields map[string]string, at time.Time) string {
	var b strings.Builder
	b.WriteString(severity.Icon())
	b.WriteString(" ")
	b.WriteString(string(kind))

	keys := make([]string, 0, len(fields))
	for _, k := range alertFields {
		if v, ok := fields[k]; ok && v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(fields[k])
	}

	b.WriteString("\n🕒 ")
	b.WriteString(at.Format("15:04:05"))
	return b.String()
}
