package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"zapfunnel/internal/pipeline"
	"zapfunnel/internal/store"
)

// authAdmin guards the admin endpoints with the static X-Admin-Token.
func (s *server) authAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIToken == "" {
			s.Respond(w, r, http.StatusForbidden, "admin API disabled")
			return
		}
		token := r.Header.Get(headerAdminToken)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminAPIToken)) != 1 {
			hlog.FromRequest(r).Warn().Msg("Admin request with invalid token")
			s.Respond(w, r, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PipelineStatus reports broker and retry counters.
func (s *server) PipelineStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := s.store.CountOrders(r.Context())
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		pending, err := s.store.ListDeadLetters(r.Context(), false, 1000)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":               "running",
			"pipeline":             s.pipeline.Status(),
			"orders":               orders,
			"pending_dead_letters": len(pending),
			"flow_start_delay_ms":  s.cfg.FlowStartDelay.Milliseconds(),
		})
	}
}

// DeadLetters lists exhausted invocations, newest first. ?all=true includes
// replayed ones.
func (s *server) DeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

		letters, err := s.store.ListDeadLetters(r.Context(), all, limit)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"count":        len(letters),
			"dead_letters": letters,
		})
	}
}

// ReplayDeadLetter schedules a dead-lettered invocation again.
func (s *server) ReplayDeadLetter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(mux.Vars(r)["id"])
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		}

		task, err := s.pipeline.Replay(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.Respond(w, r, http.StatusNotFound, "dead letter not found")
			return
		case errors.Is(err, pipeline.ErrAlreadyReplayed):
			s.Respond(w, r, http.StatusConflict, err)
			return
		case err != nil:
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}

		hlog.FromRequest(r).Info().Int64("deadLetterID", id).Str("invocationID", task.ID).Msg("Manual replay triggered for dead letter")
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"invocation_id": task.ID,
			"flow":          task.Flow,
			"order_id":      task.OrderID,
		})
	}
}

// OrderDetails returns an order with its message history.
func (s *server) OrderDetails() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(mux.Vars(r)["id"])
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		}
		order, err := s.store.GetOrder(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, r, http.StatusNotFound, "order not found")
			return
		}
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		messages, err := s.store.ListMessages(r.Context(), id)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"order":    order,
			"state":    order.State.String(),
			"linked":   order.Linked(),
			"messages": messages,
		})
	}
}

type paymentRequest struct {
	Amount    float64 `json:"amount"`
	ProofPath string  `json:"proof_path"`
}

// ConfirmPayment records a payment checked by the operator and marks the
// order paid.
func (s *server) ConfirmPayment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(mux.Vars(r)["id"])
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		}
		var req paymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
			s.Respond(w, r, http.StatusBadRequest, "amount must be a positive number")
			return
		}

		err = s.store.RecordPayment(r.Context(), id, req.Amount, req.ProofPath)
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, r, http.StatusNotFound, "order not found")
			return
		}
		if errors.Is(err, store.ErrOrderClosed) {
			s.Respond(w, r, http.StatusConflict, "order is already paid")
			return
		}
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		hlog.FromRequest(r).Info().Int64("orderID", id).Float64("amount", req.Amount).Msg("Payment recorded")
		s.Respond(w, r, http.StatusOK, "payment recorded")
	}
}

// UploadMedia stores a flow asset (intro audio, offer document) in S3 and
// returns the s3:// reference to configure.
func (s *server) UploadMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.media == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "S3 is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "expected a multipart form with a file field")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, "could not read upload")
			return
		}
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}

		ref, err := s.media.Upload(r.Context(), filepath.Base(header.Filename), data, mimeType)
		if err != nil {
			s.Respond(w, r, http.StatusBadGateway, err)
			return
		}
		url, _ := s.media.Resolve(r.Context(), ref)
		hlog.FromRequest(r).Info().Str("ref", ref).Int("size", len(data)).Str("mimeType", mimeType).Msg("Media asset uploaded")
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"ref":       ref,
			"url":       url,
			"mime_type": mimeType,
			"size":      len(data),
		})
	}
}
