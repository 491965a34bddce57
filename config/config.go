package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseDriver  string // "postgres" or "sqlite"
	DatabaseURL     string
	DatabaseMigrate bool

	WhatsAppAPIURL        string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	WhatsAppAppSecret     string
	WhatsAppVerifyToken   string
	WhatsAppNumbers       []string // numbers a landing page may send leads to

	AdminWhatsAppNumber string
	AdminAPIToken       string
	NotifyMaxPerHour    int
	NotifyDedupTTL      time.Duration

	RabbitMQURL         string
	RabbitMQQueue       string
	RabbitMQQueuePrefix string

	PipelineWorkers  int
	FlowStartDelay   time.Duration
	FlowMaxAttempts  int
	FlowRetryBackoff time.Duration
	FlowLeaseTTL     time.Duration
	PacingMin        time.Duration
	PacingMax        time.Duration

	DefaultProductID int64
	ProductPhoneMap  map[string]int64 // phone_number_id -> product id

	IntroAudioURLs    []string
	OfferText         string
	OfferDocumentURL  string
	OfferDocumentName string
	FallbackReply     string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	S3PublicURL string
	S3URLTTL    time.Duration

	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenAIModel       string
	AgentSystemPrompt string
	GreetingBaseTexts []string
	GreetingEmojiPool []string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current process environment only.
func FromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		DatabaseDriver:  getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DatabaseMigrate: p.bool("DB_AUTOMIGRATE", false),

		WhatsAppAPIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v20.0/"),
		WhatsAppAccessToken:   os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		WhatsAppPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		WhatsAppAppSecret:     os.Getenv("WHATSAPP_APP_SECRET"),
		WhatsAppVerifyToken:   os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		WhatsAppNumbers:       splitList(os.Getenv("WHATSAPP_NUMBERS")),

		AdminWhatsAppNumber: strings.TrimPrefix(strings.TrimSpace(os.Getenv("ADMIN_WHATSAPP_NUMBER")), "+"),
		AdminAPIToken:       os.Getenv("ADMIN_API_TOKEN"),
		NotifyMaxPerHour:    p.int("NOTIFY_MAX_PER_HOUR", 10),
		NotifyDedupTTL:      p.duration("NOTIFY_DEDUP_TTL", 300*time.Second),

		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:       getEnv("RABBITMQ_QUEUE", "flows"),
		RabbitMQQueuePrefix: getEnv("RABBITMQ_QUEUE_PREFIX", "zapfunnel"),

		PipelineWorkers:  p.int("PIPELINE_WORKERS", 4),
		FlowStartDelay:   p.duration("FLOW_START_DELAY", 5*time.Second),
		FlowMaxAttempts:  p.int("FLOW_MAX_ATTEMPTS", 1),
		FlowRetryBackoff: p.duration("FLOW_RETRY_BACKOFF", 30*time.Second),
		FlowLeaseTTL:     p.duration("FLOW_LEASE_TTL", 10*time.Minute),
		PacingMin:        p.duration("PACING_MIN", 5*time.Second),
		PacingMax:        p.duration("PACING_MAX", 15*time.Second),

		DefaultProductID: int64(p.int("DEFAULT_PRODUCT_ID", 1)),
		ProductPhoneMap:  p.productMap("PRODUCT_PHONE_MAP"),

		IntroAudioURLs:    splitList(getEnv("INTRO_AUDIO_URLS", "https://lneditor.com.br/static/audios/introducao-paes.ogg,https://lneditor.com.br/static/audios/paes-introducao.mp4")),
		OfferText:         getEnv("OFFER_TEXT", "Aqui está o e-book com as 50 receitas. Se puder, contribua com qualquer valor pelo Pix."),
		OfferDocumentURL:  os.Getenv("OFFER_DOCUMENT_URL"),
		OfferDocumentName: getEnv("OFFER_DOCUMENT_NAME", "receitas.pdf"),
		FallbackReply:     getEnv("FALLBACK_REPLY", "Obrigada pela mensagem! Já te respondo 😊"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3PathStyle: p.bool("S3_PATH_STYLE", false),
		S3PublicURL: os.Getenv("S3_PUBLIC_URL"),
		S3URLTTL:    p.duration("S3_URL_TTL", time.Hour),

		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AgentSystemPrompt: os.Getenv("AGENT_SYSTEM_PROMPT"),
		GreetingBaseTexts: splitList(getEnv("GREETING_TEXTS", "Olá, tenho interesse nas receitas")),
		GreetingEmojiPool: splitList(getEnv("GREETING_EMOJIS", "☺️,😃,😊,🌹,🥰,🙂")),
	}

	if p.err != nil {
		return nil, p.err
	}
	if cfg.PipelineWorkers < 1 {
		return nil, fmt.Errorf("PIPELINE_WORKERS must be at least 1, got %d", cfg.PipelineWorkers)
	}
	if cfg.FlowMaxAttempts < 1 {
		return nil, fmt.Errorf("FLOW_MAX_ATTEMPTS must be at least 1, got %d", cfg.FlowMaxAttempts)
	}
	if cfg.PacingMax < cfg.PacingMin {
		return nil, fmt.Errorf("PACING_MAX (%s) is lower than PACING_MIN (%s)", cfg.PacingMax, cfg.PacingMin)
	}
	if cfg.WhatsAppAppSecret == "" {
		log.Warn().Msg("WHATSAPP_APP_SECRET is not set, every webhook delivery will be rejected")
	}

	log.Info().Msg("Configuration loading attempt complete.")
	return cfg, nil
}

// ProductFor returns the product sold through the given business number.
func (c *Config) ProductFor(phoneNumberID string) int64 {
	if id, ok := c.ProductPhoneMap[phoneNumberID]; ok {
		return id
	}
	return c.DefaultProductID
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser keeps the first conversion error so LoadConfig can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid value %q for %s: %w", raw, key, err)
	}
}

func (p *parser) int(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		// bare integers are seconds
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			p.fail(key, raw, err)
			return def
		}
		return time.Duration(secs) * time.Second
	}
	return v
}

// productMap parses "phoneNumberID:productID,phoneNumberID:productID".
func (p *parser) productMap(key string) map[string]int64 {
	out := map[string]int64{}
	raw := strings.TrimSpace(os.Getenv(key))
	for _, pair := range splitList(raw) {
		phoneID, product, ok := strings.Cut(pair, ":")
		if !ok {
			p.fail(key, raw, fmt.Errorf("pair %q is not phoneNumberID:productID", pair))
			return out
		}
		id, err := strconv.ParseInt(strings.TrimSpace(product), 10, 64)
		if err != nil {
			p.fail(key, raw, err)
			return out
		}
		out[strings.TrimSpace(phoneID)] = id
	}
	return out
}
