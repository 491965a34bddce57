package main

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"zapfunnel/config"
	"zapfunnel/internal/agent"
	"zapfunnel/internal/metrics"
	"zapfunnel/internal/models"
	"zapfunnel/internal/pipeline"
	"zapfunnel/internal/resolver"
	"zapfunnel/internal/store"
)

// scheduler is the part of the pipeline the HTTP layer uses.
type scheduler interface {
	Schedule(ctx context.Context, flow models.FlowName, order *models.Order, event models.InboundMessage, delay time.Duration) (pipeline.Task, error)
	Replay(ctx context.Context, deadLetterID int64) (pipeline.Task, error)
	Status() pipeline.Status
}

// alerter forwards failures to the operator.
type alerter interface {
	NotifyError(ctx context.Context, err error, fields map[string]string) bool
}

// uploader stores media assets for the flows.
type uploader interface {
	Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error)
	Resolve(ctx context.Context, ref string) (string, error)
}

type server struct {
	cfg       *config.Config
	store     *store.Store
	resolver  *resolver.Resolver
	pipeline  scheduler
	alerts    alerter
	greetings *agent.Greetings
	media     uploader // nil without S3
	router    *mux.Router

	numbers []string
	mu      sync.Mutex
	rng     *rand.Rand
}

func newServer(cfg *config.Config, st *store.Store, res *resolver.Resolver, p scheduler, alerts alerter, greetings *agent.Greetings, media uploader) *server {
	numbers := cfg.WhatsAppNumbers
	if len(numbers) == 0 {
		log.Warn().Msg("WHATSAPP_NUMBERS is not set, lead responses carry no number")
	}
	s := &server{
		cfg:       cfg,
		store:     st,
		resolver:  res,
		pipeline:  p,
		alerts:    alerts,
		greetings: greetings,
		media:     media,
		router:    mux.NewRouter(),
		numbers:   numbers,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.routes()
	return s
}

func (s *server) routes() {
	c := alice.New()
	c = c.Append(hlog.NewHandler(log.Logger))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request processed")
	}))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("user_agent"))
	c = c.Append(hlog.RefererHandler("referer"))
	c = c.Append(hlog.RequestIDHandler("req_id", headerRequestID))

	// route templates are only known inside the router
	s.router.Use(metrics.Middleware)

	s.router.Handle("/health", c.Then(s.Health())).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.router.Handle("/webhook", c.Then(s.VerifyWebhook())).Methods(http.MethodGet)
	s.router.Handle("/webhook", c.Then(s.ReceiveWebhook())).Methods(http.MethodPost)
	s.router.Handle("/lead", c.Then(s.CaptureLead())).Methods(http.MethodPost)

	admin := c.Append(s.authAdmin)
	s.router.Handle("/admin/pipeline", admin.Then(s.PipelineStatus())).Methods(http.MethodGet)
	s.router.Handle("/admin/deadletters", admin.Then(s.DeadLetters())).Methods(http.MethodGet)
	s.router.Handle("/admin/deadletters/{id:[0-9]+}/replay", admin.Then(s.ReplayDeadLetter())).Methods(http.MethodPost)
	s.router.Handle("/admin/orders/{id:[0-9]+}", admin.Then(s.OrderDetails())).Methods(http.MethodGet)
	s.router.Handle("/admin/orders/{id:[0-9]+}/payment", admin.Then(s.ConfirmPayment())).Methods(http.MethodPost)
	s.router.Handle("/admin/media", admin.Then(s.UploadMedia())).Methods(http.MethodPost)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
