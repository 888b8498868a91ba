// Package api is the HTTP control surface of the engine. Every endpoint
// answers the same envelope: {"ok": bool, "data": ..., "error": {code,
// message}}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/oceanpark/oceanctl/internal/actionlog"
	cerrors "github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/manager"
	"github.com/oceanpark/oceanctl/internal/monitor"
	"github.com/oceanpark/oceanctl/internal/registry"
	"github.com/oceanpark/oceanctl/internal/reports"
	"github.com/oceanpark/oceanctl/internal/scheduler"
	"github.com/oceanpark/oceanctl/internal/websocket"
)

// Router serves the control surface over a standard ServeMux.
type Router struct {
	mux       *http.ServeMux
	registry  *registry.Registry
	manager   *manager.Manager
	scheduler *scheduler.Scheduler
	monitor   *monitor.Monitor
	sink      *actionlog.Sink
	reports   *reports.Store
	hub       *websocket.Hub

	version   string
	startedAt time.Time
	maxConc   int
	// baseCtx parents work that outlives a request, such as manual
	// schedule triggers; engine shutdown cancels it.
	baseCtx context.Context
}

// Config wires a Router.
type Config struct {
	Registry  *registry.Registry
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	Sink      *actionlog.Sink
	Reports   *reports.Store
	Hub       *websocket.Hub
	Version   string
	MaxConc   int
	BaseCtx   context.Context
}

// NewRouter builds the router and registers every route.
func NewRouter(cfg Config) *Router {
	if cfg.BaseCtx == nil {
		cfg.BaseCtx = context.Background()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		registry:  cfg.Registry,
		manager:   cfg.Manager,
		scheduler: cfg.Scheduler,
		monitor:   cfg.Monitor,
		sink:      cfg.Sink,
		reports:   cfg.Reports,
		hub:       cfg.Hub,
		version:   cfg.Version,
		startedAt: time.Now(),
		maxConc:   cfg.MaxConc,
		baseCtx:   cfg.BaseCtx,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /health", r.handleHealth)

	r.mux.HandleFunc("GET /devices", r.handleDevices)
	r.mux.HandleFunc("POST /devices/all/on", r.handleBulkAll(true))
	r.mux.HandleFunc("POST /devices/all/off", r.handleBulkAll(false))
	r.mux.HandleFunc("POST /devices/{id}/on", r.handleDevicePower(true))
	r.mux.HandleFunc("POST /devices/{id}/off", r.handleDevicePower(false))
	r.mux.HandleFunc("GET /devices/{id}/status", r.handleDeviceStatus)

	r.mux.HandleFunc("GET /groups", r.handleGroups)
	r.mux.HandleFunc("GET /groups/status", r.handleGroupStatus)
	r.mux.HandleFunc("POST /groups/{id}/on", r.handleGroupPower(true))
	r.mux.HandleFunc("POST /groups/{id}/off", r.handleGroupPower(false))

	r.mux.HandleFunc("GET /schedule", r.handleScheduleList)
	r.mux.HandleFunc("POST /schedule", r.handleScheduleUpsert)
	r.mux.HandleFunc("DELETE /schedule/{id}", r.handleScheduleDelete)
	r.mux.HandleFunc("POST /schedule/{id}/trigger", r.handleScheduleTrigger)
	r.mux.HandleFunc("POST /schedule/{id}/enable", r.handleScheduleEnabled(true))
	r.mux.HandleFunc("POST /schedule/{id}/disable", r.handleScheduleEnabled(false))

	r.mux.HandleFunc("GET /logs", r.handleLogs)
	r.mux.HandleFunc("GET /logs/export", r.handleLogsExport)
	r.mux.HandleFunc("GET /alerts", r.handleAlerts)

	r.mux.HandleFunc("GET /reports/today", r.handleReportToday)
	r.mux.HandleFunc("GET /reports", r.handleReport)

	r.mux.HandleFunc("GET /diagnostics", r.handleDiagnostics)
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /ws", r.hub.Handle)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("elapsed", time.Since(start)).
		Msg("HTTP request")
}

// envelope is the uniform response body.
type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *respError `json:"error,omitempty"`
}

type respError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{OK: true, Data: data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, status := classifyHTTP(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		OK:    false,
		Error: &respError{Code: code, Message: err.Error()},
	})
}

// classifyHTTP maps an error kind onto the response code and HTTP status.
func classifyHTTP(err error) (string, int) {
	var ce *cerrors.ControlError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case cerrors.KindValidation:
			return "VALIDATION", http.StatusBadRequest
		case cerrors.KindNotFound:
			return "NOT_FOUND", http.StatusNotFound
		case cerrors.KindBusy:
			return "BUSY", http.StatusServiceUnavailable
		case cerrors.KindPersistence:
			return "PERSISTENCE", http.StatusInternalServerError
		case cerrors.KindCancelled:
			return "CANCELLED", http.StatusRequestTimeout
		}
	}
	return "INTERNAL", http.StatusInternalServerError
}
