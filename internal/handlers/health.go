package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/constants"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/metrics"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/redis"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
)

const (
	// HealthCheckTimeout is the default timeout for health check operations.
	HealthCheckTimeout = 5 * time.Second
	// MinAccessTokenExpiry is the shortest access token lifetime considered sane.
	MinAccessTokenExpiry = time.Minute
)

// Version is stamped at build time with -ldflags "-X .../handlers.Version=...".
var Version = "dev"

// Pinger is a backend that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker is an optional SQL database behind a connection manager.
type DatabaseChecker interface {
	Pinger
	IsAvailable() bool
}

// NamedDatabase pairs a component name with its checker.
type NamedDatabase struct {
	Name    string
	Checker DatabaseChecker
}

// HealthHandler provides health check and monitoring endpoints.
type HealthHandler struct {
	config    *config.Config
	store     Pinger
	databases []NamedDatabase
	gatherer  prometheus.Gatherer
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	startTime time.Time
}

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy HealthStatus = "unhealthy"
	// StatusDegraded indicates the component has degraded performance.
	StatusDegraded HealthStatus = "degraded"
)

// HealthResponse represents the overall health check response.
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Details    map[string]interface{}     `json:"details,omitempty"`
}

// ComponentHealth represents the health of an individual component.
type ComponentHealth struct {
	Status       HealthStatus `json:"status"`
	Message      string       `json:"message,omitempty"`
	LastChecked  time.Time    `json:"last_checked"`
	ResponseTime string       `json:"response_time,omitempty"`
}

// ReadinessResponse represents the readiness check response.
type ReadinessResponse struct {
	Ready      bool                       `json:"ready"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// NewHealthHandler creates a new health check handler. Databases with a nil
// checker are skipped; a nil gatherer serves the default registry.
func NewHealthHandler(
	cfg *config.Config,
	store Pinger,
	databases []NamedDatabase,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *HealthHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthHandler{
		config:    cfg,
		store:     store,
		databases: databases,
		gatherer:  gatherer,
		logger:    logger,
		metrics:   m,
		startTime: time.Now(),
	}
}

// RegisterRoutes registers health check and monitoring endpoints.
func (h *HealthHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(constants.PathHealth, h.Health).Methods(http.MethodGet)
	r.HandleFunc(constants.PathHealth+"/live", h.Liveness).Methods(http.MethodGet)
	r.HandleFunc(constants.PathHealth+"/ready", h.Readiness).Methods(http.MethodGet)
	r.Handle(constants.PathMetrics, promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Health provides a comprehensive health check including all components.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	h.logger.Debug("Processing health check request")

	components := make(map[string]ComponentHealth)
	overallStatus := StatusHealthy

	// Codes and refresh tokens live in the grant store.
	storeHealth := h.checkStorage(ctx)
	components["store"] = storeHealth
	if storeHealth.Status != StatusHealthy {
		overallStatus = StatusUnhealthy
	}

	for name, databaseHealth := range h.checkDatabases(ctx) {
		components[name] = databaseHealth
		if databaseHealth.Status != StatusHealthy && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	configHealth := h.checkConfiguration()
	components["configuration"] = configHealth
	if configHealth.Status != StatusHealthy && overallStatus == StatusHealthy {
		overallStatus = StatusDegraded
	}

	h.countCheck("health", string(overallStatus))
	h.recordComponents(components)

	response := HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(h.startTime).String(),
		Components: components,
		Details: map[string]interface{}{
			"check_duration": time.Since(start).String(),
		},
	}

	// Degraded still answers 200.
	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	h.writeJSON(w, statusCode, response)

	h.logger.WithFields(logrus.Fields{
		"status":   overallStatus,
		"duration": time.Since(start).String(),
	}).Debug("Health check completed")
}

// Liveness provides a simple liveness check that returns 200 if the service is alive.
// This is used by Kubernetes to determine if the pod should be restarted.
func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	h.countCheck("liveness", "healthy")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

// Readiness checks if the service is ready to receive traffic.
// This is used by Kubernetes to determine if the pod should receive requests.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	components := make(map[string]ComponentHealth)
	ready := true

	storeHealth := h.checkStorage(ctx)
	components["store"] = storeHealth
	if storeHealth.Status == StatusUnhealthy {
		ready = false
	}

	// A database behind the client cache only degrades functionality.
	for name, databaseHealth := range h.checkDatabases(ctx) {
		components[name] = databaseHealth
	}

	statusLabel := "ready"
	statusCode := http.StatusOK
	if !ready {
		statusLabel = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	h.countCheck("readiness", statusLabel)

	h.writeJSON(w, statusCode, ReadinessResponse{
		Ready:      ready,
		Timestamp:  time.Now(),
		Components: components,
	})
}

const (
	storageRedis    = "Redis"
	storageMemory   = "In-Memory"
	storagePostgres = "PostgreSQL"
)

// checkStorage checks grant store connectivity and latency.
func (h *HealthHandler) checkStorage(ctx context.Context) ComponentHealth {
	storageType := h.getStorageType()
	slowAfter := time.Second
	if storageType == storageMemory {
		slowAfter = 0
	}

	health, err := probe(ctx, storageType, h.store.Ping, slowAfter)
	if err != nil {
		h.logger.WithError(err).Warn("Storage health check failed")
	}
	return health
}

// checkDatabases checks every configured SQL database.
func (h *HealthHandler) checkDatabases(ctx context.Context) map[string]ComponentHealth {
	results := make(map[string]ComponentHealth, len(h.databases))
	for _, db := range h.databases {
		if db.Checker == nil {
			continue
		}

		health, err := probe(ctx, db.Name, db.Checker.Ping, 2*time.Second)
		switch {
		case err != nil:
			h.logger.WithError(err).WithField("database", db.Name).Debug("Database health check failed")
		case !db.Checker.IsAvailable():
			health.Status = StatusUnhealthy
			health.Message = "Database marked as unavailable"
		}
		results[db.Name] = health
	}
	return results
}

// probe pings a backend under HealthCheckTimeout. A zero slowAfter never
// reports degraded latency.
func probe(
	ctx context.Context,
	name string,
	ping func(context.Context) error,
	slowAfter time.Duration,
) (ComponentHealth, error) {
	checkCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := ping(checkCtx)
	health := ComponentHealth{
		Status:       StatusHealthy,
		Message:      name + " is healthy",
		LastChecked:  time.Now(),
		ResponseTime: time.Since(start).String(),
	}

	switch {
	case err != nil:
		health.Status = StatusUnhealthy
		health.Message = name + " connection failed: " + err.Error()
	case slowAfter > 0 && time.Since(start) > slowAfter:
		health.Status = StatusDegraded
		health.Message = name + " response time is slow"
	}
	return health, err
}

// getStorageType determines the type of storage backend being used.
func (h *HealthHandler) getStorageType() string {
	switch h.store.(type) {
	case *redis.Client:
		return storageRedis
	case *redis.MemoryStore:
		return storageMemory
	case *repository.PostgresGrantRepository:
		return storagePostgres
	default:
		return "Unknown"
	}
}

// checkConfiguration validates critical configuration values.
func (h *HealthHandler) checkConfiguration() ComponentHealth {
	var issues []string

	if h.config.OAuth2.AccessTokenExpiry < MinAccessTokenExpiry {
		issues = append(issues, "Access token expiry is too short")
	}
	if h.config.OAuth2.RefreshTokenExpiry <= h.config.OAuth2.AccessTokenExpiry {
		issues = append(issues, "Refresh token expiry must exceed access token expiry")
	}
	if h.config.Keys.Source == config.KeySourceGenerated && h.config.Environment.Environment == config.Prod {
		issues = append(issues, "Signing key is generated at startup")
	}

	status := StatusHealthy
	message := "Configuration is valid"
	if len(issues) > 0 {
		status = StatusDegraded
		message = "Configuration issues: " + strings.Join(issues, ", ")
	}

	return ComponentHealth{
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
	}
}

func (h *HealthHandler) countCheck(endpoint, status string) {
	if h.metrics != nil {
		h.metrics.HealthChecksTotal.WithLabelValues(endpoint, status).Inc()
	}
}

func (h *HealthHandler) recordComponents(components map[string]ComponentHealth) {
	if h.metrics == nil {
		return
	}
	for component, health := range components {
		healthValue := float64(0)
		if health.Status == StatusHealthy {
			healthValue = 1
		}
		h.metrics.ComponentHealthStatus.WithLabelValues(component).Set(healthValue)
	}
}

func (h *HealthHandler) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode health response")
	}
}
