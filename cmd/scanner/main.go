package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"checkin-scanner/internal/attendance"
	"checkin-scanner/internal/auth"
	"checkin-scanner/internal/camera"
	"checkin-scanner/internal/config"
	"checkin-scanner/internal/feed"
	"checkin-scanner/internal/httpmiddleware"
	"checkin-scanner/internal/session"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("scanner agent failed")
	}
}

func newLogger(cfg config.App) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "checkin-scanner").
		Logger()
}

func run(cfg config.App, logger zerolog.Logger) error {
	tokens := auth.NewTokenSource(cfg.APIToken)
	if cfg.APIToken == "" {
		logger.Warn().Msg("no API token configured, backend will reject submissions")
	} else if exp, ok := tokens.ExpiresAt(); ok && time.Until(exp) < time.Hour {
		logger.Warn().Time("expires_at", exp).Msg("API token expires soon")
	}

	client := attendance.New(cfg.BackendURL, tokens)

	var outFeed feed.Feed
	if cfg.FeedBackend == "redis" {
		outFeed = feed.NewRedis(cfg.RedisAddr, cfg.FeedKey, 200)
	} else {
		outFeed = feed.NewMemory(200)
	}

	mgr := &sessionManager{cfg: cfg, client: client, outFeed: outFeed, log: logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(httpmiddleware.RateLimit(cfg.RateLimitPerMin))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		feedHealthy := outFeed.Healthy(c.Request.Context())
		status := http.StatusOK
		if !feedHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "feed": feedHealthy})
	})

	r.POST("/v1/sessions", func(c *gin.Context) {
		var req struct {
			ActivityTrackID int64 `json:"activity_track_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		s, err := mgr.start(c.Request.Context(), req.ActivityTrackID)
		if err != nil {
			if errors.Is(err, errSessionActive) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			var camErr *camera.Error
			if errors.As(err, &camErr) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": camErr.Error(), "kind": string(camErr.Kind)})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, s.Status())
	})

	r.GET("/v1/sessions/current", func(c *gin.Context) {
		status, ok := mgr.status()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	r.DELETE("/v1/sessions/current", func(c *gin.Context) {
		if !mgr.stop() {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/v1/events", func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		events, err := outFeed.Recent(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("control API failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	// Stop scanning first so the camera is released and any in-flight
	// submission surfaces its outcome before the process exits.
	mgr.stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("forced shutdown")
	}

	logger.Info().Msg("agent exited")
	return nil
}

var errSessionActive = errors.New("a scan session is already active")

// sessionManager guards the single active session per agent. Each session
// gets its own camera handle and deduplicator, so restarting never reuses
// stale scan state.
type sessionManager struct {
	mu      sync.Mutex
	current *session.Session

	cfg     config.App
	client  *attendance.Client
	outFeed feed.Feed
	log     zerolog.Logger
}

func (m *sessionManager) start(ctx context.Context, activityTrackID int64) (*session.Session, error) {
	m.mu.Lock()
	if m.current != nil {
		st := m.current.Status().State
		if st == session.StateStarting || st == session.StateScanning {
			m.mu.Unlock()
			return nil, errSessionActive
		}
	}

	cam := camera.New(m.cfg.CameraDevice, camera.Facing(m.cfg.CameraFacing), m.cfg.FrameWidth, m.cfg.FrameHeight)
	s := session.New(session.Config{
		ActivityTrackID: activityTrackID,
		Cooldown:        m.cfg.ScanCooldown,
		ScanPause:       m.cfg.ScanPause,
		DecodeFPS:       m.cfg.DecodeFPS,
	}, cam, m.client, m.outFeed, m.log)
	m.current = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		if m.current == s {
			m.current = nil
		}
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// stop stops the active session, keeping it around so the status endpoint
// still answers with the final state.
func (m *sessionManager) stop() bool {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.Stop()
	return true
}

func (m *sessionManager) status() (session.Status, bool) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return session.Status{}, false
	}
	return s.Status(), true
}

// corsMiddleware allows the kiosk's local display page to call the API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
