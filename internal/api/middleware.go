package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderRequestID = "X-Request-ID"
)

type keyKind string

const (
	keyAPI keyKind = "api"
	keyDev keyKind = "dev"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.IncrementCounter("http_requests", map[string]string{
				"route":  route,
				"method": r.Method,
				"code":   strconv.Itoa(rec.status),
			})
			s.metrics.ObserveHistogram("http_request_duration", elapsed.Seconds(), map[string]string{
				"route": route,
			})
		}

		logger.WithContext(r.Context()).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": elapsed.Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderAPIKey+", "+HeaderRequestID)
		// preflight never carries a key
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.WithContext(r.Context()).WithField("panic", rec).Error("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorResponse{
					Error: "internal server error",
					Code:  string(errors.ErrInternal),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireKey gates h behind the X-API-Key header, then the rate limiter.
// An unset expected key rejects every request.
func (s *Server) requireKey(kind keyKind, h http.HandlerFunc) http.Handler {
	expected := s.config.APIKey
	if kind == keyDev {
		expected = s.config.DevKey
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(HeaderAPIKey)
		if expected == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			msg := "Invalid API key"
			if kind == keyDev {
				msg = "Invalid dev API key"
			}
			s.writeError(w, r, errors.New(errors.ErrAuthFailed, msg))
			return
		}

		if s.limiter != nil {
			allowed, err := s.limiter.Allow(r.Context(), string(kind))
			if err != nil {
				logger.WithContext(r.Context()).WithError(err).Warn("Rate limiter unavailable, allowing request")
			} else if !allowed {
				s.writeError(w, r, errors.New(errors.ErrRateLimited, "rate limit exceeded"))
				return
			}
		}

		h(w, r)
	})
}
