// Package api serves the health and readiness endpoints. There is no
// other HTTP surface: all domain work arrives over the bus.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/patternops/patternops/pkg/bus"
	"github.com/patternops/patternops/pkg/database"
	"github.com/patternops/patternops/pkg/version"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// FleetStatus is the consumer fleet's health view.
type FleetStatus interface {
	Degraded() bool
	Health() []bus.WorkerHealth
}

// DispatchStatus is the dispatcher's failure-budget view.
type DispatchStatus interface {
	Degraded() bool
	DisabledHandlers() []string
}

// HealthCheck is one component's verdict inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Checks   map[string]HealthCheck `json:"checks"`
	Workers  []bus.WorkerHealth     `json:"workers,omitempty"`
	Disabled []string               `json:"disabled_handlers,omitempty"`
}

// Server exposes /health and /ready.
type Server struct {
	db       *database.Client
	fleet    FleetStatus
	dispatch DispatchStatus
}

// NewServer creates the health server. fleet and dispatch may be nil
// when consumers are gated off.
func NewServer(db *database.Client, fleet FleetStatus, dispatch DispatchStatus) *Server {
	return &Server{db: db, fleet: fleet, dispatch: dispatch}
}

// Router builds the gin engine with both endpoints mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	return r
}

// health reports component checks. Only this service's own components
// are checked; a broken external dependency must not convince an
// orchestrator to restart a healthy process.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := statusHealthy

	if _, err := database.Health(ctx, s.db.DB()); err != nil {
		status = statusUnhealthy
		checks["database"] = HealthCheck{Status: statusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: statusHealthy}
	}

	resp := &HealthResponse{Version: version.Full(), Checks: checks}

	if s.fleet != nil {
		if s.fleet.Degraded() {
			if status == statusHealthy {
				status = statusDegraded
			}
			checks["consumer_fleet"] = HealthCheck{Status: statusDegraded, Message: "bus unreachable"}
		} else {
			checks["consumer_fleet"] = HealthCheck{Status: statusHealthy}
		}
		resp.Workers = s.fleet.Health()
	}

	if s.dispatch != nil {
		if disabled := s.dispatch.DisabledHandlers(); len(disabled) > 0 {
			if status == statusHealthy {
				status = statusDegraded
			}
			checks["handlers"] = HealthCheck{Status: statusDegraded, Message: "failure budget tripped"}
			resp.Disabled = disabled
		} else {
			checks["handlers"] = HealthCheck{Status: statusHealthy}
		}
	}

	resp.Status = status
	httpStatus := http.StatusOK
	if status == statusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}

// ready gates traffic on the store being reachable. The boot handshake
// already ran before the server started; a process that failed it never
// gets here.
func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.DB().PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
