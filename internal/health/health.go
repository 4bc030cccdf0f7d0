package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"

	defaultCheckTimeout = 3 * time.Second
)

type HealthService struct {
	mu          sync.RWMutex
	checks      map[string]Checker
	readyChecks map[string]Checker
	timeout     time.Duration
	now         func() time.Time
}

type Checker interface {
	Check(ctx context.Context) error
}

type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	TotalTime string                 `json:"total_time,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// NewHealthService creates a service whose checks each run under timeout.
func NewHealthService(timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &HealthService{
		checks:      make(map[string]Checker),
		readyChecks: make(map[string]Checker),
		timeout:     timeout,
		now:         time.Now,
	}
}

// Mount registers /health, /health/live and /health/ready on router.
func (hs *HealthService) Mount(router *mux.Router) {
	router.HandleFunc("/health", hs.handleBasic).Methods(http.MethodGet)
	router.HandleFunc("/health/live", hs.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", hs.handleReadiness).Methods(http.MethodGet)
}

func (hs *HealthService) RegisterLivenessCheck(name string, check Checker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[name] = check
}

func (hs *HealthService) RegisterReadinessCheck(name string, check Checker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.readyChecks[name] = check
}

func (hs *HealthService) handleBasic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: hs.now()})
}

func (hs *HealthService) handleLiveness(w http.ResponseWriter, r *http.Request) {
	hs.handleCheck(w, r, hs.snapshot(hs.checks))
}

func (hs *HealthService) handleReadiness(w http.ResponseWriter, r *http.Request) {
	hs.handleCheck(w, r, hs.snapshot(hs.readyChecks))
}

func (hs *HealthService) snapshot(checks map[string]Checker) map[string]Checker {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	out := make(map[string]Checker, len(checks))
	for name, check := range checks {
		out[name] = check
	}
	return out
}

// Run executes checks concurrently and aggregates their results.
func (hs *HealthService) Run(ctx context.Context, checks map[string]Checker) HealthResponse {
	start := hs.now()

	ctx, cancel := context.WithTimeout(ctx, hs.timeout)
	defer cancel()

	type namedResult struct {
		name   string
		result CheckResult
	}

	var wg sync.WaitGroup
	resultChan := make(chan namedResult, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(n string, c Checker) {
			defer wg.Done()

			checkStart := time.Now()
			err := c.Check(ctx)

			result := CheckResult{
				Status:   StatusOK,
				Duration: time.Since(checkStart).String(),
			}
			if err != nil {
				result.Status = StatusFailed
				result.Error = err.Error()
			}

			resultChan <- namedResult{n, result}
		}(name, check)
	}

	wg.Wait()
	close(resultChan)

	response := HealthResponse{
		Status:    StatusOK,
		Timestamp: start,
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for res := range resultChan {
		response.Checks[res.name] = res.result
		if res.result.Status != StatusOK {
			response.Status = StatusFailed
		}
	}
	response.TotalTime = time.Since(start).String()

	return response
}

func (hs *HealthService) handleCheck(w http.ResponseWriter, r *http.Request, checks map[string]Checker) {
	response := hs.Run(r.Context(), checks)

	status := http.StatusOK
	if response.Status != StatusOK {
		status = http.StatusServiceUnavailable
		logger.WithContext(r.Context()).WithField("checks", response.Checks).Warn("Health check failed")
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
