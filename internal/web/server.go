package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/journal"
	"github.com/minasoft/ipms-mock/internal/store"
)

const version = "1.0.0"

// Patients is the read side of the patient store.
type Patients interface {
	Get(key string) (db.PatientRecord, error)
	List() []db.PatientRecord
	Len() int
}

// Downstream reports whether the follow-up destination accepts connections.
type Downstream interface {
	Ping(ctx context.Context, host string, port int) error
}

type Options struct {
	Port           int
	DownstreamHost string
	DownstreamPort int
}

type Server struct {
	echo       *echo.Echo
	opts       Options
	journal    journal.Reader
	patients   Patients
	downstream Downstream
}

func NewServer(opts Options, j journal.Reader, patients Patients, downstream Downstream) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:       e,
		opts:       opts,
		journal:    j,
		patients:   patients,
		downstream: downstream,
	}
	s.setupRoutes()
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	slog.Info("Admin API starting", "port", s.opts.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Admin API error", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/patients", s.handleListPatients)
	api.GET("/patients/:key", s.handleGetPatient)
	api.GET("/messages", s.handleGetMessages)
	api.GET("/deliveries/failed", s.handleFailedDeliveries)
	api.GET("/streams", s.handleGetStreams)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	overallStatus := "healthy"

	components := s.journal.Health(ctx)
	for _, status := range components {
		if !strings.HasPrefix(status, "healthy") {
			overallStatus = "degraded"
		}
	}
	if strings.HasPrefix(components["nats"], "unhealthy") {
		overallStatus = "unhealthy"
	}

	components["patient_store"] = fmt.Sprintf("healthy (patients: %d)", s.patients.Len())

	if s.downstream != nil {
		if err := s.downstream.Ping(ctx, s.opts.DownstreamHost, s.opts.DownstreamPort); err != nil {
			components["downstream"] = "unreachable: " + err.Error()
			if overallStatus == "healthy" {
				overallStatus = "degraded"
			}
		} else {
			components["downstream"] = "healthy"
		}
	}

	health := map[string]interface{}{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": components,
		"version":    version,
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, health)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.journal.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stats unavailable")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"patients": s.patients.Len(),
		"journal":  stats,
	})
}

func (s *Server) handleListPatients(c echo.Context) error {
	return c.JSON(http.StatusOK, s.patients.List())
}

func (s *Server) handleGetPatient(c echo.Context) error {
	rec, err := s.patients.Get(c.Param("key"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleGetMessages(c echo.Context) error {
	filter := journal.Filter{
		Type:      c.QueryParam("type"),
		AckCode:   c.QueryParam("ack"),
		ControlID: c.QueryParam("controlId"),
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		filter.Limit = n
	}

	txs, err := s.journal.Transactions(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable")
	}
	return c.JSON(http.StatusOK, txs)
}

func (s *Server) handleFailedDeliveries(c echo.Context) error {
	deliveries, err := s.journal.FailedDeliveries(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "DLQ unavailable")
	}
	return c.JSON(http.StatusOK, deliveries)
}

func (s *Server) handleGetStreams(c echo.Context) error {
	streams, err := s.journal.Streams(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "streams unavailable")
	}
	return c.JSON(http.StatusOK, streams)
}
