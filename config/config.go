package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	HTTPPort int
	LogLevel string
	BaseURL  string

	JoinTicketSecret   string
	ServerTicketSecret string
	JoinTicketTTL      time.Duration
	ServerTicketTTL    time.Duration

	AllocationTimeout time.Duration
	ValidationTimeout time.Duration

	TargetNamespace  string
	DefaultFleet     string
	PlaceFleetsFile  string
	GameServerSecret string

	// ServerAliveWindow is how recent a game server ping must be to count as alive.
	ServerAliveWindow time.Duration
	DebugEndpoints    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	DatabaseURL string

	ActivitySubscription string
	EventsTopic          string
	GoogleProjectID      string
	CredentialsFile      string
}

func Load() *Config {
	cfg := &Config{
		HTTPPort:             getEnvInt("JOIN_HTTP_PORT", 8080),
		LogLevel:             strings.TrimSpace(getEnv("JOIN_LOG_LEVEL", "info")),
		BaseURL:              strings.TrimSpace(getEnv("JOIN_BASE_URL", "http://localhost")),
		JoinTicketSecret:     os.Getenv("JOIN_TICKET_SECRET"),
		ServerTicketSecret:   os.Getenv("SERVER_TICKET_SECRET"),
		JoinTicketTTL:        getEnvDuration("JOIN_TICKET_TTL", 10*time.Minute),
		ServerTicketTTL:      getEnvDuration("SERVER_TICKET_TTL", 6*time.Hour),
		AllocationTimeout:    getEnvDuration("JOIN_ALLOCATION_TIMEOUT", 5*time.Second),
		ValidationTimeout:    getEnvDuration("JOIN_VALIDATION_TIMEOUT", 5*time.Second),
		TargetNamespace:      strings.TrimSpace(getEnv("TARGET_NAMESPACE", "default")),
		DefaultFleet:         strings.TrimSpace(os.Getenv("JOIN_DEFAULT_FLEET")),
		PlaceFleetsFile:      strings.TrimSpace(os.Getenv("JOIN_PLACE_FLEETS_FILE")),
		GameServerSecret:     os.Getenv("GAMESERVER_AUTHORIZATION"),
		ServerAliveWindow:    getEnvDuration("SERVER_PING_ALIVE_WINDOW", time.Minute),
		DebugEndpoints:       getEnvBool("JOIN_DEBUG_ENDPOINTS", false),
		RedisAddr:            strings.TrimSpace(getEnv("REDIS_ADDR", "localhost:6379")),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		PresenceTTL:          getEnvDuration("PRESENCE_TTL", 10*time.Minute),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ActivitySubscription: strings.TrimSpace(os.Getenv("PLAYER_ACTIVITY_SUBSCRIPTION")),
		EventsTopic:          strings.TrimSpace(os.Getenv("JOIN_EVENTS_TOPIC")),
		CredentialsFile:      strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("JOIN_GSA_CREDENTIALS"))),
	}

	if cfg.ActivitySubscription != "" || cfg.EventsTopic != "" {
		cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("JOIN_PUBSUB_PROJECT_ID", "")))
		if cfg.GoogleProjectID == "" {
			log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or JOIN_PUBSUB_PROJECT_ID")
		}
	}
	if cfg.ActivitySubscription == "" {
		log.Warn().Msg("player activity subscription not set; presence is only updated through the gateway")
	}
	if cfg.DefaultFleet == "" && cfg.PlaceFleetsFile == "" {
		log.Warn().Msg("no fleet configured; set JOIN_DEFAULT_FLEET or JOIN_PLACE_FLEETS_FILE")
	}
	return cfg
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.JoinTicketSecret == "" {
		errs = append(errs, errors.New("JOIN_TICKET_SECRET is required"))
	}
	if c.ServerTicketSecret == "" {
		errs = append(errs, errors.New("SERVER_TICKET_SECRET is required"))
	}
	if c.JoinTicketSecret != "" && c.JoinTicketSecret == c.ServerTicketSecret {
		errs = append(errs, errors.New("JOIN_TICKET_SECRET and SERVER_TICKET_SECRET must differ"))
	}
	if c.GameServerSecret == "" {
		errs = append(errs, errors.New("GAMESERVER_AUTHORIZATION is required"))
	}
	if c.ServerAliveWindow <= 0 {
		errs = append(errs, fmt.Errorf("SERVER_PING_ALIVE_WINDOW must be positive, got %s", c.ServerAliveWindow))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JoinTicketTTL <= 0 {
		errs = append(errs, fmt.Errorf("JOIN_TICKET_TTL must be positive, got %s", c.JoinTicketTTL))
	}
	return errors.Join(errs...)
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"httpPort":               c.HTTPPort,
		"logLevel":               c.LogLevel,
		"baseURL":                c.BaseURL,
		"joinSecretProvided":     c.JoinTicketSecret != "",
		"serverSecretProvided":   c.ServerTicketSecret != "",
		"joinTicketTTL":          c.JoinTicketTTL.String(),
		"serverTicketTTL":        c.ServerTicketTTL.String(),
		"allocationTimeout":      c.AllocationTimeout.String(),
		"validationTimeout":      c.ValidationTimeout.String(),
		"targetNamespace":        c.TargetNamespace,
		"defaultFleet":           c.DefaultFleet,
		"placeFleetsFile":        c.PlaceFleetsFile,
		"gameServerAuthProvided": c.GameServerSecret != "",
		"serverAliveWindow":      c.ServerAliveWindow.String(),
		"debugEndpoints":         c.DebugEndpoints,
		"redisAddr":              c.RedisAddr,
		"redisDB":                c.RedisDB,
		"presenceTTL":            c.PresenceTTL.String(),
		"databaseProvided":       c.DatabaseURL != "",
		"activitySubscription":   c.ActivitySubscription,
		"eventsTopic":            c.EventsTopic,
		"projectID":              c.GoogleProjectID,
		"credentialsProvided":    c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int; using default")
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration; using default")
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid bool; using default")
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using JOIN_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) External k8s override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		return v
	}

	// 4) Common Google envs
	if v := strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT"))); v != "" {
		return v
	}

	// 5) JOIN_GSA_CREDENTIALS
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
