package health

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"go.uber.org/zap"
)

// Status represents the health status
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

const defaultTimeout = 3 * time.Second

// HealthCheck represents a health check
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker manages health checks
type HealthChecker struct {
	checks  []HealthCheck
	timeout time.Duration
	log     *zap.Logger
	mu      sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(log *zap.Logger) *HealthChecker {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthChecker{
		checks:  make([]HealthCheck, 0),
		timeout: defaultTimeout,
		log:     log,
	}
}

// Register adds a new health check
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check performs all health checks concurrently.
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	checks := append([]HealthCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(checks))
	)
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			err := check.Check(ctx)
			mu.Lock()
			results[check.Name()] = err
			mu.Unlock()
		}(check)
	}
	wg.Wait()
	return results
}

// Report is the body served by Handler.
type Report struct {
	Status    Status            `json:"status"`
	Checks    map[string]Status `json:"checks"`
	Errors    map[string]string `json:"errors,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Report runs every check and summarizes the outcome.
func (hc *HealthChecker) Report(ctx context.Context) Report {
	results := hc.Check(ctx)
	r := Report{
		Status:    StatusUp,
		Checks:    make(map[string]Status, len(results)),
		Timestamp: time.Now().UTC(),
	}
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := results[name]; err != nil {
			r.Status = StatusDown
			r.Checks[name] = StatusDown
			if r.Errors == nil {
				r.Errors = make(map[string]string)
			}
			r.Errors[name] = err.Error()
			hc.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		r.Checks[name] = StatusUp
	}
	return r
}

// Handler serves the report as JSON: 200 when every check passes, 503 otherwise.
func (hc *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := hc.Report(r.Context())
		body, err := json.Marshal(report)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		code := http.StatusOK
		if report.Status != StatusUp {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	})
}

// DatabaseHealthCheck checks database connectivity
type DatabaseHealthCheck struct {
	name string
	db   *sql.DB
}

func NewDatabaseHealthCheck(name string, db *sql.DB) *DatabaseHealthCheck {
	return &DatabaseHealthCheck{name: name, db: db}
}

func (d *DatabaseHealthCheck) Check(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseHealthCheck) Name() string {
	return d.name
}

// CheckFunc adapts a function into a named HealthCheck.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Check(ctx context.Context) error {
	return c.fn(ctx)
}

func (c *CheckFunc) Name() string {
	return c.name
}
