// Package httpapi serves the shield's local status and history API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/detector"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/shield"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/store"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/ws"
)

const maxLimit = 500

// Status is the live view returned by /api/status.
type Status struct {
	RunID      string         `json:"run_id,omitempty"`
	Simulated  bool           `json:"simulated"`
	Uptime     string         `json:"uptime"`
	LevelDB    float64        `json:"level_db"`
	Shield     shield.Stats   `json:"shield"`
	Stream     stream.Stats   `json:"stream"`
	Detector   detector.Stats `json:"detector"`
	WSClients  int            `json:"ws_clients"`
	WSDropped  uint64         `json:"ws_dropped"`
	LevelDrops uint64         `json:"level_dropped"`
}

// StatusFunc reports the current status.
type StatusFunc func() Status

// History is the persisted detection history.
type History interface {
	RecentDetections(ctx context.Context, limit int) ([]store.DetectionRow, error)
	Runs(ctx context.Context, limit int) ([]store.Run, error)
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	status  StatusFunc
	history History
	hub     *ws.Hub
}

// New constructs an Echo app. history and hub may be nil, which disables
// the history routes and the websocket feed respectively.
func New(status StatusFunc, history History, hub *ws.Hub, hello ws.Snapshotter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, status: status, history: history, hub: hub}
	s.registerRoutes(hello)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(hello ws.Snapshotter) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	if s.history != nil {
		s.echo.GET("/api/detections", s.handleDetections)
		s.echo.GET("/api/runs", s.handleRuns)
	}
	if s.hub != nil {
		ws.NewHandler(s.hub, hello).Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Halted bool   `json:"halted"`
}

func (s *Server) handleHealth(c echo.Context) error {
	st := s.status()
	if st.Shield.Halted {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "halted", Halted: true})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status())
}

type errorResponse struct {
	Error string `json:"error"`
}

func parseLimit(c echo.Context, def int) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}

func (s *Server) handleDetections(c echo.Context) error {
	limit, err := parseLimit(c, 50)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	rows, err := s.history.RecentDetections(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if rows == nil {
		rows = []store.DetectionRow{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleRuns(c echo.Context) error {
	limit, err := parseLimit(c, 20)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	runs, err := s.history.Runs(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}
