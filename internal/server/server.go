// Package server exposes the tracker over HTTP. REST routes carry commands
// and state queries; /ws streams every link and rep update as JSON and
// accepts the same commands; /metrics serves Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chaz8081/repsense/internal/ble"
	"github.com/chaz8081/repsense/internal/ble/protocol"
	"github.com/chaz8081/repsense/internal/observability"
	"github.com/chaz8081/repsense/internal/reps"
	"github.com/chaz8081/repsense/internal/tracker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxReadingBytes bounds POST /api/readings bodies.
const maxReadingBytes = 64 << 10

// Controller is the part of tracker.Tracker the server drives.
type Controller interface {
	StartScan() error
	StopScan() error
	Disconnect() error
	Cleanup() error
	SetExercise(name string)
	ResetCounter()
	ProcessReading(r protocol.Reading) []reps.Event
	Status() tracker.Status
}

// Server serves the HTTP API.
type Server struct {
	ctrl    Controller
	hub     *Hub
	router  *gin.Engine
	started time.Time

	upgrader websocket.Upgrader
}

// snapshot is the first message a websocket client receives.
type snapshot struct {
	Time   time.Time      `json:"time"`
	Status tracker.Status `json:"status"`
}

// command is an inbound websocket message.
type command struct {
	Command  string `json:"command"`
	Exercise string `json:"exercise,omitempty"`
}

type exerciseRequest struct {
	Exercise string `json:"exercise"`
}

// New builds the router for ctrl.
func New(ctrl Controller) *Server {
	s := &Server{
		ctrl:    ctrl,
		hub:     NewHub(),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery(), observability.RequestLogger(), observability.RequestMetricsMiddleware())
	s.router = r
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctrl.Status())
	})
	api.POST("/scan/start", s.command(s.ctrl.StartScan))
	api.POST("/scan/stop", s.command(s.ctrl.StopScan))
	api.POST("/disconnect", s.command(s.ctrl.Disconnect))
	api.POST("/cleanup", s.command(s.ctrl.Cleanup))
	api.POST("/reset", func(c *gin.Context) {
		s.ctrl.ResetCounter()
		c.JSON(http.StatusOK, s.ctrl.Status())
	})
	api.PUT("/exercise", s.handleExercise)
	api.POST("/readings", s.handleReading)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Observe broadcasts u to websocket clients. It has the tracker.Observer
// signature and never blocks.
func (s *Server) Observe(u tracker.Update) {
	s.hub.Broadcast(u)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[SERVER] listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) command(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.ctrl.Status())
	}
}

func (s *Server) handleExercise(c *gin.Context) {
	var req exerciseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Exercise) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exercise must not be empty"})
		return
	}
	s.ctrl.SetExercise(req.Exercise)
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleReading(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxReadingBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reading, err := protocol.ParseReading(string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.ctrl.ProcessReading(reading)})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("[SERVER] websocket upgrade failed", "error", err)
		return
	}

	cl := s.hub.add(conn)
	s.hub.send(cl, snapshot{Time: time.Now(), Status: s.ctrl.Status()})
	s.readPump(cl)
}

// readPump applies inbound commands until the connection fails.
func (s *Server) readPump(cl *client) {
	defer s.hub.remove(cl)

	cl.conn.SetReadLimit(maxReadingBytes)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd command
		if err := cl.conn.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				slog.Debug("[SERVER] websocket read ended", "error", err)
			}
			return
		}
		if err := s.apply(cmd); err != nil {
			s.hub.send(cl, gin.H{"error": err.Error(), "command": cmd.Command})
		}
	}
}

func (s *Server) apply(cmd command) error {
	switch cmd.Command {
	case "scan_start":
		return s.ctrl.StartScan()
	case "scan_stop":
		return s.ctrl.StopScan()
	case "disconnect":
		return s.ctrl.Disconnect()
	case "cleanup":
		return s.ctrl.Cleanup()
	case "reset":
		s.ctrl.ResetCounter()
		return nil
	case "exercise":
		if strings.TrimSpace(cmd.Exercise) == "" {
			return fmt.Errorf("exercise must not be empty")
		}
		s.ctrl.SetExercise(cmd.Exercise)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ble.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ble.ErrRadioUnavailable), errors.Is(err, ble.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
