// Package config loads gateway configuration from the environment. Every
// knob has a default; validation catches values that would make the gateway
// misbehave rather than merely perform badly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Auth
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// Gemini collaborators.
	GeminiAPIKey           string
	GeminiLiveModel        string
	GeminiSummaryModel     string
	GeminiLiveWSBaseURL    string
	GeminiRESTBaseURL      string
	GeminiHandshakeTimeout time.Duration
	SummaryTimeout         time.Duration
	MinSummaryChars        int

	// Postgres.
	DatabaseURL     string
	DBMaxConns      int32
	DBMinConns      int32
	DBMaxConnIdle   time.Duration
	DBMaxConnLife   time.Duration
	RunMigrations   bool
	StoreTimeout    time.Duration
	CheckpointEvery int

	// Email dispatch.
	ResendAPIKey   string
	ResendBaseURL  string
	EmailFrom      string
	EmailSimulated bool

	// Audio fragment archive.
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3KeyPrefix     string
	AudioPublicBase string

	// Live WebSocket limits.
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveMaxSessionDuration     time.Duration
	LiveMaxSessionsPerOwner    int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("NOVA_ADDR", ":8080"),
		CORSAllowedOrigins:         make(map[string]struct{}),
		JWTSecret:                  os.Getenv("NOVA_JWT_SECRET"),
		JWTIssuer:                  envOr("NOVA_JWT_ISSUER", "nova-gateway"),
		JWTAudience:                envOr("NOVA_JWT_AUDIENCE", "nova"),
		GeminiAPIKey:               os.Getenv("NOVA_GEMINI_API_KEY"),
		GeminiLiveModel:            envOr("NOVA_GEMINI_LIVE_MODEL", ""),
		GeminiSummaryModel:         envOr("NOVA_GEMINI_SUMMARY_MODEL", ""),
		GeminiLiveWSBaseURL:        envOr("NOVA_GEMINI_LIVE_WS_URL", ""),
		GeminiRESTBaseURL:          envOr("NOVA_GEMINI_REST_URL", ""),
		GeminiHandshakeTimeout:     envDurationOr("NOVA_GEMINI_HANDSHAKE_TIMEOUT", 10*time.Second),
		SummaryTimeout:             envDurationOr("NOVA_SUMMARY_TIMEOUT", 60*time.Second),
		MinSummaryChars:            envIntOr("NOVA_MIN_SUMMARY_CHARS", 50),
		DatabaseURL:                os.Getenv("NOVA_DATABASE_URL"),
		DBMaxConns:                 int32(envIntOr("NOVA_DB_MAX_CONNS", 8)),
		DBMinConns:                 int32(envIntOr("NOVA_DB_MIN_CONNS", 1)),
		DBMaxConnIdle:              envDurationOr("NOVA_DB_MAX_CONN_IDLE", 5*time.Minute),
		DBMaxConnLife:              envDurationOr("NOVA_DB_MAX_CONN_LIFE", time.Hour),
		RunMigrations:              envBoolOr("NOVA_DB_RUN_MIGRATIONS", true),
		StoreTimeout:               envDurationOr("NOVA_STORE_TIMEOUT", 5*time.Second),
		CheckpointEvery:            envIntOr("NOVA_CHECKPOINT_EVERY", 3),
		ResendAPIKey:               os.Getenv("NOVA_RESEND_API_KEY"),
		ResendBaseURL:              envOr("NOVA_RESEND_BASE_URL", "https://api.resend.com"),
		EmailFrom:                  envOr("NOVA_EMAIL_FROM", "Nova <nova@cabohealth.example>"),
		EmailSimulated:             envBoolOr("NOVA_EMAIL_SIMULATED", false),
		S3Bucket:                   os.Getenv("NOVA_S3_BUCKET"),
		S3Region:                   envOr("NOVA_S3_REGION", "us-east-1"),
		S3Endpoint:                 envOr("NOVA_S3_ENDPOINT", ""),
		S3KeyPrefix:                envOr("NOVA_S3_KEY_PREFIX", "sessions"),
		AudioPublicBase:            envOr("NOVA_AUDIO_PUBLIC_BASE", ""),
		LiveMaxAudioFrameBytes:     envIntOr("NOVA_LIVE_MAX_AUDIO_FRAME_BYTES", 65536),
		LiveMaxJSONMessageBytes:    envInt64Or("NOVA_LIVE_MAX_JSON_MESSAGE_BYTES", 512*1024),
		LiveMaxAudioFPS:            envIntOr("NOVA_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond: envInt64Or("NOVA_LIVE_MAX_AUDIO_BPS", 256*1024),
		LiveInboundBurstSeconds:    envIntOr("NOVA_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:         envDurationOr("NOVA_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("NOVA_LIVE_WS_WRITE_TIMEOUT", 10*time.Second),
		LiveWSReadTimeout:          envDurationOr("NOVA_LIVE_WS_READ_TIMEOUT", 0),
		LiveMaxSessionDuration:     envDurationOr("NOVA_LIVE_MAX_DURATION", 2*time.Hour),
		LiveMaxSessionsPerOwner:    envIntOr("NOVA_LIVE_MAX_SESSIONS_PER_OWNER", 2),
		ReadHeaderTimeout:          envDurationOr("NOVA_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("NOVA_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("NOVA_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("NOVA_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Config{}, fmt.Errorf("NOVA_JWT_SECRET must be set")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return Config{}, fmt.Errorf("NOVA_GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("NOVA_DATABASE_URL must be set")
	}
	if cfg.DBMaxConns <= 0 {
		return Config{}, fmt.Errorf("NOVA_DB_MAX_CONNS must be > 0")
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		return Config{}, fmt.Errorf("NOVA_DB_MIN_CONNS must be between 0 and NOVA_DB_MAX_CONNS")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("NOVA_STORE_TIMEOUT must be > 0")
	}
	if cfg.CheckpointEvery <= 0 {
		return Config{}, fmt.Errorf("NOVA_CHECKPOINT_EVERY must be > 0")
	}
	if cfg.MinSummaryChars <= 0 {
		return Config{}, fmt.Errorf("NOVA_MIN_SUMMARY_CHARS must be > 0")
	}
	if cfg.SummaryTimeout <= 0 {
		return Config{}, fmt.Errorf("NOVA_SUMMARY_TIMEOUT must be > 0")
	}
	if cfg.GeminiHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("NOVA_GEMINI_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("NOVA_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_MAX_DURATION must be > 0")
	}
	if cfg.LiveMaxSessionsPerOwner <= 0 {
		return Config{}, fmt.Errorf("NOVA_LIVE_MAX_SESSIONS_PER_OWNER must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("NOVA_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("NOVA_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("NOVA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.EmailFrom) == "" {
		return Config{}, fmt.Errorf("NOVA_EMAIL_FROM must not be empty")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
