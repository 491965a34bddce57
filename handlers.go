package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"zapfunnel/internal/agent"
	"zapfunnel/internal/flows"
	"zapfunnel/internal/metrics"
	"zapfunnel/internal/models"
	"zapfunnel/internal/notify"
	"zapfunnel/internal/security"
	"zapfunnel/internal/whatsapp"
)

// Health reports liveness and database reachability.
func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Health check: database unreachable")
			s.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "database": "unreachable"})
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
	}
}

// VerifyWebhook answers the subscription handshake of the Meta dashboard.
func (s *server) VerifyWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !security.VerifySubscription(q.Get(queryHubMode), q.Get(queryVerifyToken), s.cfg.WhatsAppVerifyToken) {
			hlog.FromRequest(r).Warn().Str("mode", q.Get(queryHubMode)).Msg("Webhook verification rejected")
			s.respondError(w, http.StatusForbidden, "verification failed")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(q.Get(queryHubChallenge)))
	}
}

// ReceiveWebhook verifies a delivery, resolves every text message in it to an
// order and schedules the flow the order's state calls for. It never waits for
// the flows.
func (s *server) ReceiveWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)

		body, err := readBody(r, maxWebhookBody)
		if err != nil {
			metrics.WebhookEvents.WithLabelValues("malformed").Inc()
			s.respondError(w, http.StatusBadRequest, "could not read body")
			return
		}

		if !security.VerifySignature(body, r.Header.Get(headerSignature), s.cfg.WhatsAppAppSecret) {
			metrics.WebhookEvents.WithLabelValues("invalid_signature").Inc()
			logger.Warn().Msg("Webhook delivery with invalid signature")
			s.respondError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		parsed, err := whatsapp.ParseInbound(body)
		if err != nil {
			metrics.WebhookEvents.WithLabelValues("malformed").Inc()
			logger.Warn().Err(err).Msg("Webhook delivery could not be parsed")
			s.respondError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if len(parsed.Messages) == 0 {
			metrics.WebhookEvents.WithLabelValues("unsupported").Inc()
			logger.Debug().Int("unsupported", parsed.Unsupported).Int("statuses", parsed.Statuses).Msg("Webhook delivery carries no text message")
			s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}

		for _, in := range parsed.Messages {
			if err := s.accept(r.Context(), in); err != nil {
				metrics.WebhookEvents.WithLabelValues("failed").Inc()
				logger.Error().Err(err).Str("messageID", in.MessageID).Msg("Failed to accept inbound message")
				s.alerts.NotifyError(context.WithoutCancel(r.Context()), err, map[string]string{"endpoint": endpointWebhook})
				s.respondError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		metrics.WebhookEvents.WithLabelValues("accepted").Inc()
		s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// accept resolves one inbound message and schedules its flow.
func (s *server) accept(ctx context.Context, in models.InboundMessage) error {
	res, err := s.resolver.Resolve(ctx, in)
	if err != nil {
		return notify.Wrap(notify.KindResolution, notify.SeverityCritical, "resolve inbound message", err)
	}
	metrics.OrdersResolved.WithLabelValues(string(res.Kind)).Inc()

	flow := flows.Dispatch(res.Order.State)
	if _, err := s.pipeline.Schedule(ctx, flow, res.Order, in, s.cfg.FlowStartDelay); err != nil {
		return notify.Wrap(notify.KindResolution, notify.SeverityCritical, "schedule flow", err)
	}
	return nil
}

// leadRequest is what the landing page posts before the visitor opens the chat.
type leadRequest struct {
	models.Attribution
	ProductID int64 `json:"product_id"`
}

type leadResponse struct {
	WhatsAppNumber string `json:"whatsapp_number"`
	Emoji          string `json:"emoji"`
	Greeting       string `json:"greeting"`
	OrderID        int64  `json:"order_id"`
}

// CaptureLead creates an unlinked order with a fresh suggested greeting. The
// visitor is expected to send that greeting verbatim.
func (s *server) CaptureLead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)

		var req leadRequest
		body, err := readBody(r, maxWebhookBody)
		if err == nil && len(body) > 0 {
			err = json.Unmarshal(body, &req)
		}
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid lead payload")
			return
		}
		if req.ProductID == 0 {
			req.ProductID = s.cfg.DefaultProductID
		}
		if req.ProductID < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid product_id")
			return
		}

		text, emoji := s.greetings.Pick(r.Context())
		order := &models.Order{
			ProductID:         req.ProductID,
			State:             models.StateInitiated,
			SuggestedGreeting: agent.Compose(text, emoji),
			SuggestedEmoji:    emoji,
			Attribution:       req.Attribution,
		}
		if err := s.store.CreateOrder(r.Context(), order); err != nil {
			logger.Error().Err(err).Msg("Failed to create lead order")
			s.alerts.NotifyError(context.WithoutCancel(r.Context()),
				notify.Wrap(notify.KindResolution, notify.SeverityCritical, "create lead", err),
				map[string]string{"endpoint": endpointLead})
			s.respondError(w, http.StatusInternalServerError, "could not create lead")
			return
		}

		metrics.OrdersResolved.WithLabelValues("lead").Inc()
		logger.Info().Int64("orderID", order.ID).Int64("productID", order.ProductID).Str("campaignID", req.CampaignID).Msg("Lead captured")
		s.respondWithJSON(w, http.StatusOK, leadResponse{
			WhatsAppNumber: s.pickNumber(),
			Emoji:          emoji,
			Greeting:       order.SuggestedGreeting,
			OrderID:        order.ID,
		})
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
