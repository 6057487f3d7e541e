package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files; with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses values such as "2s" or "5m". Invalid values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvBool accepts the forms understood by strconv.ParseBool plus "yes"/"no".
func GetEnvBool(key string, fallback bool) bool {
	s := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch s {
	case "":
		return fallback
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return fallback
}

// Config is the broadcaster daemon configuration assembled from the environment.
type Config struct {
	LogLevel    string
	LogFormat   string
	ControlAddr string

	APIBaseURL string
	AppID      string
	AppSecret  string

	QueueBackend  string
	QueueDir      string
	RedisAddr     string
	RedisPassword string

	UploadWorkers         int
	UploadMaxRetries      int
	UploadBackoffBase     time.Duration
	UploadBackoffMax      time.Duration
	UploadInFlightTimeout time.Duration
	ResumeUploads         bool

	QualityPreset   string
	ConnectionClass string
	BroadcastTitle  string

	CaptureInput       string
	CaptureAltInput    string
	CaptureInputFormat string
	FFmpegPath         string
	SegmentWorkDir     string
}

// FromEnv reads every daemon setting, applying defaults for unset keys.
func FromEnv() Config {
	return Config{
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		LogFormat:   GetEnv("LOG_FORMAT", "json"),
		ControlAddr: GetEnv("CONTROL_ADDR", "127.0.0.1:8090"),

		APIBaseURL: GetEnv("API_BASE_URL", "http://localhost:8080"),
		AppID:      GetEnv("APP_ID", ""),
		AppSecret:  GetEnv("APP_SECRET", ""),

		QueueBackend:  GetEnv("QUEUE_BACKEND", "file"),
		QueueDir:      GetEnv("QUEUE_DIR", "./data/queue"),
		RedisAddr:     GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),

		UploadWorkers:         GetEnvInt("UPLOAD_WORKERS", 2),
		UploadMaxRetries:      GetEnvInt("UPLOAD_MAX_RETRIES", 3),
		UploadBackoffBase:     GetEnvDuration("UPLOAD_BACKOFF_BASE", 2*time.Second),
		UploadBackoffMax:      GetEnvDuration("UPLOAD_BACKOFF_MAX", 5*time.Minute),
		UploadInFlightTimeout: GetEnvDuration("UPLOAD_INFLIGHT_TIMEOUT", 2*time.Minute),
		ResumeUploads:         GetEnvBool("RESUME_UPLOADS", false),

		QualityPreset:   GetEnv("QUALITY_PRESET", "640"),
		ConnectionClass: GetEnv("CONNECTION_CLASS", "wifi"),
		BroadcastTitle:  GetEnv("BROADCAST_TITLE", ""),

		CaptureInput:       GetEnv("CAPTURE_INPUT", ""),
		CaptureAltInput:    GetEnv("CAPTURE_ALT_INPUT", ""),
		CaptureInputFormat: GetEnv("CAPTURE_INPUT_FORMAT", ""),
		FFmpegPath:         GetEnv("FFMPEG_PATH", "ffmpeg"),
		SegmentWorkDir:     GetEnv("SEGMENT_WORK_DIR", "./data/segments"),
	}
}
