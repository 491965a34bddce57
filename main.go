package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"zapfunnel/config"
	"zapfunnel/internal/agent"
	"zapfunnel/internal/flows"
	"zapfunnel/internal/media"
	"zapfunnel/internal/notify"
	"zapfunnel/internal/pipeline"
	"zapfunnel/internal/resolver"
	"zapfunnel/internal/store"
	"zapfunnel/internal/whatsapp"
	"zapfunnel/pkg/logger"
)

var (
	mode    = flag.String("mode", modeAll, "run mode: all, server (HTTP only) or worker (pipeline only)")
	address = flag.String("address", "", "listen address, overrides PORT")
)

// app holds every service of one process.
type app struct {
	cfg      *config.Config
	store    *store.Store
	broker   pipeline.Broker
	pipeline *pipeline.Pipeline
	server   *server
}

func newApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := st.Migrate(ctx)
		cancel()
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	wa, err := whatsapp.NewClient(cfg.WhatsAppAPIURL, cfg.WhatsAppAccessToken, cfg.WhatsAppPhoneNumberID)
	if err != nil {
		st.Close()
		return nil, err
	}
	throttler := notify.NewThrottler(wa, cfg.AdminWhatsAppNumber, cfg.NotifyMaxPerHour, cfg.NotifyDedupTTL)

	var (
		resolverMedia flows.MediaResolver = media.Passthrough{}
		uploads       uploader
	)
	if cfg.S3Bucket != "" {
		s3store, err := media.NewStore(media.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
			URLTTL:    cfg.S3URLTTL,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s3store.TestConnection(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("S3 bucket check failed, s3:// media will not resolve until it is reachable")
		} else {
			log.Info().Str("bucket", cfg.S3Bucket).Msg("S3 bucket reachable")
		}
		cancel()
		resolverMedia, uploads = s3store, s3store
	}

	var (
		responder flows.Responder = agent.Static{Text: cfg.FallbackReply}
		generator agent.GreetingGenerator
	)
	if cfg.OpenAIAPIKey != "" {
		llm, err := agent.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.AgentSystemPrompt, cfg.FallbackReply)
		if err != nil {
			st.Close()
			return nil, err
		}
		responder, generator = llm, llm
	} else {
		log.Info().Msg("OPENAI_API_KEY is not set, answering questions with the fallback reply")
	}

	var broker pipeline.Broker
	if cfg.RabbitMQURL != "" {
		broker, err = pipeline.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQQueuePrefix, cfg.RabbitMQQueue, cfg.PipelineWorkers)
		if err != nil {
			st.Close()
			return nil, err
		}
	} else {
		log.Info().Msg("RABBITMQ_URL is not set. Using the in-process pipeline broker.")
		broker = pipeline.NewMemoryBroker(cfg.PipelineWorkers)
	}

	runner := flows.NewRunner(
		func(phoneNumberID string) flows.Messenger { return wa.ForNumber(phoneNumberID) },
		resolverMedia,
		responder,
		st,
		flows.NewPacer(cfg.PacingMin, cfg.PacingMax),
		flows.Content{
			IntroAudios:       cfg.IntroAudioURLs,
			OfferText:         cfg.OfferText,
			OfferDocument:     cfg.OfferDocumentURL,
			OfferDocumentName: cfg.OfferDocumentName,
		},
	)
	p := pipeline.New(broker, st, runner, throttler, pipeline.Options{
		MaxAttempts:  cfg.FlowMaxAttempts,
		RetryBackoff: cfg.FlowRetryBackoff,
		LeaseTTL:     cfg.FlowLeaseTTL,
	})

	res := resolver.New(st, cfg.ProductFor)
	greetings := agent.NewGreetings(cfg.GreetingBaseTexts, cfg.GreetingEmojiPool, generator)

	return &app{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		pipeline: p,
		server:   newServer(cfg, st, res, p, throttler, greetings, uploads),
	}, nil
}

func (a *app) Close() {
	if err := a.broker.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing pipeline broker")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing database")
	}
}

func main() {
	flag.Parse()
	logger.InitLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if !isValidMode(*mode) {
		log.Fatal().Str("mode", *mode).Msg("Invalid -mode, expected all, server or worker")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if *mode != modeAll && cfg.RabbitMQURL == "" {
		log.Fatal().Str("mode", *mode).Msg("Split server/worker mode needs RABBITMQ_URL, the in-process broker only works with -mode=all")
	}

	a, err := newApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, a, *mode, listenAddress(cfg)); err != nil {
		log.Error().Err(err).Msg("Exiting with error")
		stop()
		a.Close()
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}

func listenAddress(cfg *config.Config) string {
	if *address != "" {
		return *address
	}
	return ":" + cfg.Port
}

// run blocks until ctx is done, the HTTP server fails or the pipeline
// workers stop on their own.
func run(ctx context.Context, a *app, mode, addr string) error {
	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	workerErr := make(chan error, 1)
	if mode == modeAll || mode == modeWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.pipeline.Run(workerCtx); err != nil {
				log.Error().Err(err).Msg("Pipeline workers stopped")
				workerErr <- fmt.Errorf("pipeline workers failed: %w", err)
			}
		}()
	}

	var runErr error
	if mode == modeAll || mode == modeServer {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.server,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			log.Info().Str("address", addr).Msg("Server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case <-ctx.Done():
		case err, ok := <-errc:
			if ok {
				runErr = fmt.Errorf("http server failed: %w", err)
			}
		case runErr = <-workerErr:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown was not clean")
		}
		cancel()
	} else {
		select {
		case <-ctx.Done():
		case runErr = <-workerErr:
		}
	}

	log.Info().Msg("Stopping pipeline workers")
	cancelWorkers()
	wg.Wait()
	return runErr
}
