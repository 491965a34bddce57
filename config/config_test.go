package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "FLOW_MAX_ATTEMPTS", "FLOW_RETRY_BACKOFF", "NOTIFY_MAX_PER_HOUR", "NOTIFY_DEDUP_TTL", "DEFAULT_PRODUCT_ID", "PRODUCT_PHONE_MAP", "PACING_MIN", "PACING_MAX", "PIPELINE_WORKERS"} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1, cfg.FlowMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.FlowRetryBackoff)
	assert.Equal(t, 10, cfg.NotifyMaxPerHour)
	assert.Equal(t, 300*time.Second, cfg.NotifyDedupTTL)
	assert.Equal(t, int64(1), cfg.DefaultProductID)
	assert.Equal(t, 5*time.Second, cfg.PacingMin)
	assert.Equal(t, 15*time.Second, cfg.PacingMax)
	assert.Empty(t, cfg.ProductPhoneMap)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("FLOW_MAX_ATTEMPTS", "3")
	t.Setenv("FLOW_RETRY_BACKOFF", "45")
	t.Setenv("NOTIFY_DEDUP_TTL", "2m")
	t.Setenv("PRODUCT_PHONE_MAP", "1111:2, 2222:7")
	t.Setenv("DEFAULT_PRODUCT_ID", "9")
	t.Setenv("ADMIN_WHATSAPP_NUMBER", "+5511999990000")
	t.Setenv("WHATSAPP_NUMBERS", "5511900000001, 5511900000002,")
	t.Setenv("PACING_MIN", "0s")
	t.Setenv("PACING_MAX", "0s")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.FlowMaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.FlowRetryBackoff)
	assert.Equal(t, 2*time.Minute, cfg.NotifyDedupTTL)
	assert.Equal(t, "5511999990000", cfg.AdminWhatsAppNumber)
	assert.Equal(t, []string{"5511900000001", "5511900000002"}, cfg.WhatsAppNumbers)
	assert.Equal(t, int64(2), cfg.ProductFor("1111"))
	assert.Equal(t, int64(7), cfg.ProductFor("2222"))
	assert.Equal(t, int64(9), cfg.ProductFor("3333"))
	assert.Zero(t, cfg.PacingMax)
}

func TestFromEnv_Errors(t *testing.T) {
	cases := map[string][2]string{
		"bad int":          {"FLOW_MAX_ATTEMPTS", "many"},
		"zero attempts":    {"FLOW_MAX_ATTEMPTS", "0"},
		"bad duration":     {"FLOW_RETRY_BACKOFF", "soon"},
		"bad product pair": {"PRODUCT_PHONE_MAP", "1111"},
		"bad product id":   {"PRODUCT_PHONE_MAP", "1111:x"},
		"bad bool":         {"DB_AUTOMIGRATE", "maybe"},
		"zero workers":     {"PIPELINE_WORKERS", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestFromEnv_PacingOrder(t *testing.T) {
	t.Setenv("PACING_MIN", "10s")
	t.Setenv("PACING_MAX", "1s")
	_, err := FromEnv()
	assert.Error(t, err)
}
