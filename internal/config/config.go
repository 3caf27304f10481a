package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string
	LogLevel string

	// Attendance backend.
	BackendURL string
	APIToken   string

	// Camera selection. Device < 0 means "pick by facing preference".
	CameraDevice int
	CameraFacing string
	FrameWidth   int
	FrameHeight  int

	// Decode cadence ceiling, frames per second.
	DecodeFPS int

	// Duplicate suppression window and post-success scan pause.
	ScanCooldown time.Duration
	ScanPause    time.Duration

	RedisAddr       string
	FeedBackend     string
	FeedKey         string
	RateLimitPerMin int
}

// Load returns agent config populated from environment variables with
// sensible defaults. A .env file in the working directory is honored
// when present.
func Load() App {
	_ = godotenv.Load()

	return App{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("HTTP_PORT", "8082"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		BackendURL:      getEnv("BACKEND_URL", "http://localhost:8081"),
		APIToken:        getEnv("API_TOKEN", ""),
		CameraDevice:    intEnv("CAMERA_DEVICE", -1),
		CameraFacing:    getEnv("CAMERA_FACING", "environment"),
		FrameWidth:      intEnv("FRAME_WIDTH", 1280),
		FrameHeight:     intEnv("FRAME_HEIGHT", 720),
		DecodeFPS:       intEnv("DECODE_FPS", 15),
		ScanCooldown:    durationEnv("SCAN_COOLDOWN", 2*time.Second),
		ScanPause:       durationEnv("SCAN_PAUSE", 2*time.Second),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		FeedBackend:     getEnv("FEED_BACKEND", "memory"),
		FeedKey:         getEnv("FEED_KEY", "scanner:outcomes"),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Warn().Str("key", key).Err(err).Stringer("fallback", fallback).Msg("invalid duration, using fallback")
			return fallback
		}
		return d
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Int("fallback", fallback).Msg("invalid int, using fallback")
	}
	return fallback
}
