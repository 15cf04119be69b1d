package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/datastore"
	"github.com/tomasvidal/vigia/internal/events"
	"github.com/tomasvidal/vigia/internal/logging"
	"github.com/tomasvidal/vigia/internal/observability"
	"github.com/tomasvidal/vigia/internal/pipeline"
)

// Server is the HTTP front of the service. It owns the fanout hub and the
// periodic heartbeat, stats and health broadcasters.
type Server struct {
	echo     *echo.Echo
	settings *conf.Settings
	hub      *Hub
	bus      *events.Bus
	register *pipeline.Register
	store    datastore.Interface
	metrics  *observability.Metrics
	logger   *slog.Logger

	cancel context.CancelFunc
}

// New builds the server and registers the hub as a bus consumer.
func New(settings *conf.Settings, metrics *observability.Metrics, bus *events.Bus, register *pipeline.Register, store datastore.Interface) (*Server, error) {
	logger := logging.ForService("api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		settings: settings,
		hub:      NewHub(settings.Realtime.ClientBuffer, metrics.Hub, logger),
		bus:      bus,
		register: register,
		store:    store,
		metrics:  metrics,
		logger:   logger,
	}
	if err := bus.RegisterConsumer(s.hub); err != nil {
		return nil, err
	}

	e.GET("/api/v1/stream", s.handleStream)
	e.GET("/api/v1/stream/status", s.handleStreamStatus)
	e.GET("/api/v1/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	return s, nil
}

// Hub exposes the fanout hub, used by tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves HTTP and launches the periodic broadcasters. It blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.runBroadcasters(ctx)

	s.logger.Info("http server listening", "addr", s.settings.Realtime.Listen)
	err := s.echo.Start(s.settings.Realtime.Listen)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the broadcasters, detaches all subscribers and closes the
// HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.CloseAll()
	return s.echo.Shutdown(ctx)
}

// handleStream is the live event stream. The subscriber receives a synthetic
// connected event, then every broadcast from attach time onward. No history
// is replayed.
func (s *Server) handleStream(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	id, ch := s.hub.Attach()
	defer s.hub.Detach(id)

	connected := events.Event{
		Type:      events.TypeConnected,
		Payload:   map[string]string{"clientId": id},
		Timestamp: time.Now(),
	}
	if err := writeSSE(c, &connected); err != nil {
		return err
	}

	reqCtx := c.Request().Context()
	for {
		select {
		case <-reqCtx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				// dropped as a slow subscriber or server shutdown
				return nil
			}
			if err := writeSSE(c, &ev); err != nil {
				return err
			}
		}
	}
}

func writeSSE(c echo.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func (s *Server) handleStreamStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Status())
}

func (s *Server) handleHealth(c echo.Context) error {
	snapshot := s.register.GetSnapshot()
	status := "ok"
	if !snapshot.Running {
		status = "stopped"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":      status,
		"uptime":      snapshot.UptimeSeconds,
		"subscribers": s.hub.SubscriberCount(),
	})
}

// runBroadcasters publishes the periodic heartbeat, aggregate-stats and
// aggregate-health events until ctx is cancelled.
func (s *Server) runBroadcasters(ctx context.Context) {
	heartbeat := time.NewTicker(s.settings.Realtime.HeartbeatInterval)
	stats := time.NewTicker(s.settings.Realtime.StatsInterval)
	health := time.NewTicker(s.settings.Realtime.HealthInterval)
	defer heartbeat.Stop()
	defer stats.Stop()
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.hub.Broadcast(events.Event{
				Type:      events.TypeHeartbeat,
				Payload:   map[string]any{"subscribers": s.hub.SubscriberCount()},
				Timestamp: time.Now(),
			})
		case <-stats.C:
			s.hub.Broadcast(events.Event{
				Type:      events.TypeAggregateStats,
				Payload:   s.collectStats(),
				Timestamp: time.Now(),
			})
		case <-health.C:
			s.hub.Broadcast(events.Event{
				Type:      events.TypeAggregateHealth,
				Payload:   s.collectHealth(),
				Timestamp: time.Now(),
			})
		}
	}
}

func (s *Server) collectStats() map[string]any {
	snapshot := s.register.GetSnapshot()
	payload := map[string]any{
		"pipeline": snapshot,
		"bus":      s.bus.GetStats(),
	}
	if stats, err := s.store.Stats(); err == nil {
		payload["store"] = stats
	} else {
		s.logger.Warn("store stats unavailable", "error", err)
	}
	return payload
}

func (s *Server) collectHealth() map[string]any {
	payload := map[string]any{
		"running":     s.register.GetSnapshot().Running,
		"subscribers": s.hub.SubscriberCount(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memUsedPercent"] = vm.UsedPercent
	}
	return payload
}
