package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type mockConnectRequest struct {
	Numbers    []string `json:"numbers"`
	TTLMinutes float64  `json:"ttl_minutes,omitempty"`
}

type mockConnectResponse struct {
	Message          string    `json:"message"`
	NumbersAdded     []string  `json:"numbers_added"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInMinutes float64   `json:"expires_in_minutes"`
}

type clearMocksResponse struct {
	Message      string `json:"message"`
	RemovedCount int    `json:"removed_count"`
}

type mockStatusResponse struct {
	models.MockStatus
	TimeoutMinutes float64 `json:"timeout_minutes"`
}

type disconnectRequest struct {
	ChannelID string `json:"channel_id"`
}

type disconnectResponse struct {
	Message string `json:"message"`
	models.DisconnectResult
}

func (s *Server) handleCheckConnection(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if !query.Has("dialed_number") {
		s.writeError(w, r, errors.New(errors.ErrBadRequest, "dialed_number is required"))
		return
	}

	result, err := s.service.CheckConnection(r.Context(), query.Get("dialed_number"), query.Get("caller_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = r.URL.Query().Get("channel_id")
	}

	result, err := s.service.Disconnect(r.Context(), req.ChannelID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	message := "Call disconnected successfully"
	if result.Mock {
		message = "Mock call disconnected"
	}
	writeJSON(w, http.StatusOK, disconnectResponse{Message: message, DisconnectResult: *result})
}

func (s *Server) handleMockConnect(w http.ResponseWriter, r *http.Request) {
	var req mockConnectRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Numbers) == 0 {
		s.writeError(w, r, errors.New(errors.ErrBadRequest, "numbers is required"))
		return
	}
	if req.TTLMinutes < 0 {
		s.writeError(w, r, errors.New(errors.ErrBadRequest, "ttl_minutes cannot be negative"))
		return
	}

	ttl := time.Duration(req.TTLMinutes * float64(time.Minute))
	if ttl <= 0 {
		ttl = s.service.MockTTL()
	}

	result, err := s.service.AddMock(req.Numbers, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mockConnectResponse{
		Message:          fmt.Sprintf("Mock connections added for %d numbers", len(result.AddedKeys)),
		NumbersAdded:     result.AddedKeys,
		ExpiresAt:        result.ExpiresAt,
		ExpiresInMinutes: ttl.Minutes(),
	})
}

func (s *Server) handleClearMocks(w http.ResponseWriter, r *http.Request) {
	n := s.service.ClearMocks()
	writeJSON(w, http.StatusOK, clearMocksResponse{
		Message:      fmt.Sprintf("Cleared %d mock connections", n),
		RemovedCount: n,
	})
}

func (s *Server) handleMockStatus(w http.ResponseWriter, r *http.Request) {
	status := s.service.MockStatus()
	if status.Entries == nil {
		status.Entries = []models.MockEntry{}
	}
	writeJSON(w, http.StatusOK, mockStatusResponse{
		MockStatus:     status,
		TimeoutMinutes: s.service.MockTTL().Minutes(),
	})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return errors.Wrap(err, errors.ErrBadRequest, "invalid JSON body")
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.StatusCode(err)
	resp := errorResponse{Error: "internal server error", Code: string(errors.ErrInternal)}

	if appErr, ok := errors.As(err); ok {
		resp.Code = string(appErr.Code)
		if status < http.StatusInternalServerError || appErr.Code == errors.ErrUpstreamUnavailable {
			resp.Error = appErr.Message
		}
	}

	log := logger.WithContext(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("Failed to encode response")
	}
}
