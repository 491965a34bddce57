package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

func Find(slice []string, val string) bool {
	for _, item := range slice {
		if item == val {
			return true
		}
	}
	return false
}

func (s *server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondWithJSON(w, statusCode, map[string]string{"error": message})
}

// Respond writes the admin envelope {"code","success","data"|"error"}.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	envelope := map[string]interface{}{
		"code":    status,
		"success": status < http.StatusBadRequest,
	}
	switch v := data.(type) {
	case error:
		envelope["error"] = v.Error()
	case string:
		if status >= http.StatusBadRequest {
			envelope["error"] = v
		} else {
			envelope["data"] = map[string]string{"details": v}
		}
	default:
		envelope["data"] = v
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Int("status", status).Interface("error", envelope["error"]).Msg("Admin request failed")
	}
	s.respondWithJSON(w, status, envelope)
}

// readBody reads at most limit bytes. A larger body is an error.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

// pickNumber chooses the business number a landing page should open.
func (s *server) pickNumber() string {
	if len(s.numbers) == 0 {
		return ""
	}
	s.mu.Lock()
	n := s.numbers[s.rng.Intn(len(s.numbers))]
	s.mu.Unlock()
	return strings.TrimPrefix(n, "+")
}
