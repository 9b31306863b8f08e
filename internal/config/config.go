package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	Archive   ArchiveConfig
	JWT       JWTConfig
	Server    ServerConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Notify    NotifyConfig
	Admin     AdminConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ArchiveConfig points the audit NDJSON exporter at object storage.
// An empty endpoint disables archiving entirely.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type JWTConfig struct {
	Secret   string
	Validity time.Duration
}

type ServerConfig struct {
	Port        string
	BodyLimitMB int
	CORSOrigins string
}

type AuthConfig struct {
	BcryptCost       int
	OTPValidity      time.Duration
	OTPCooldown      time.Duration
	MFASessionTTL    time.Duration
	MFAMaxAttempts   int
	PublicIDAttempts int
}

// RateRule is one endpoint's limits across the four windows. A zero
// limit leaves that window unchecked.
type RateRule struct {
	Second int `json:"second"`
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

// RateLimitConfig maps an endpoint path (exact or prefix) to its rule.
// Endpoints without a rule are not limited.
type RateLimitConfig struct {
	Rules map[string]RateRule
}

type AuditConfig struct {
	QueueSize       int
	BatchSize       int
	FlushInterval   time.Duration
	ArchiveInterval time.Duration
	ExcludedPaths   []string
}

type NotifyConfig struct {
	Mode       string
	Timeout    time.Duration
	SenderName string
}

// AdminConfig seeds the first administrator account at startup.
type AdminConfig struct {
	Name     string
	Email    string
	Phone    string
	Password string
}

var defaultRateRules = map[string]RateRule{
	"/api/auth/signup":         {Second: 3, Minute: 10, Hour: 50, Day: 200},
	"/api/auth/signin":         {Second: 5, Minute: 20, Hour: 100, Day: 500},
	"/api/auth/send-otp":       {Second: 3, Minute: 10, Hour: 60, Day: 300},
	"/api/auth/verify-otp":     {Second: 5, Minute: 20, Hour: 100, Day: 500},
	"/api/auth/password-reset": {Second: 3, Minute: 10, Hour: 60, Day: 300},
	"/api/admin/auth":          {Second: 5, Minute: 20, Hour: 100, Day: 500},
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "paymesh"),
			Password: getEnv("DB_PASSWORD", "paymesh_secret"),
			Name:     getEnv("DB_NAME", "paymesh"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Archive: ArchiveConfig{
			Endpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
			AccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
			Bucket:    getEnv("ARCHIVE_BUCKET", "paymesh-audit"),
			UseSSL:    getEnvAsBool("ARCHIVE_USE_SSL", false),
		},
		JWT: JWTConfig{
			Secret:   getEnv("JWT_SECRET", "change-me-in-production"),
			Validity: getEnvAsDuration("JWT_VALIDITY", 10*time.Minute),
		},
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			BodyLimitMB: getEnvAsInt("SERVER_BODY_LIMIT_MB", 1),
			CORSOrigins: getEnv("CORS_ORIGINS", "*"),
		},
		Auth: AuthConfig{
			BcryptCost:       getEnvAsInt("BCRYPT_COST", 10),
			OTPValidity:      getEnvAsDuration("OTP_VALIDITY", 10*time.Minute),
			OTPCooldown:      getEnvAsDuration("OTP_COOLDOWN", 60*time.Second),
			MFASessionTTL:    getEnvAsDuration("MFA_SESSION_TTL", 10*time.Minute),
			MFAMaxAttempts:   getEnvAsInt("MFA_MAX_ATTEMPTS", 3),
			PublicIDAttempts: getEnvAsInt("PUBLIC_ID_ATTEMPTS", 10),
		},
		RateLimit: RateLimitConfig{
			Rules: loadRateRules(),
		},
		Audit: AuditConfig{
			QueueSize:       getEnvAsInt("AUDIT_QUEUE_SIZE", 10000),
			BatchSize:       getEnvAsInt("AUDIT_BATCH_SIZE", 100),
			FlushInterval:   getEnvAsDuration("AUDIT_FLUSH_INTERVAL", 2*time.Second),
			ArchiveInterval: getEnvAsDuration("AUDIT_ARCHIVE_INTERVAL", 1*time.Hour),
			ExcludedPaths:   []string{"/health", "/metrics", "/docs"},
		},
		Notify: NotifyConfig{
			Mode:       getEnv("NOTIFY_MODE", "log"),
			Timeout:    getEnvAsDuration("NOTIFY_TIMEOUT", 5*time.Second),
			SenderName: getEnv("NOTIFY_SENDER_NAME", "PayMesh"),
		},
		Admin: AdminConfig{
			Name:     getEnv("ADMIN_NAME", "Platform Admin"),
			Email:    getEnv("ADMIN_EMAIL", "admin@paymesh.io"),
			Phone:    getEnv("ADMIN_PHONE", "0000000000"),
			Password: getEnv("ADMIN_PASSWORD", "change-me-in-production"),
		},
	}
}

// loadRateRules merges RATE_LIMIT_RULES (a JSON object keyed by path)
// over the built-in defaults. A malformed value keeps the defaults.
func loadRateRules() map[string]RateRule {
	rules := make(map[string]RateRule, len(defaultRateRules))
	for path, rule := range defaultRateRules {
		rules[path] = rule
	}

	raw, ok := os.LookupEnv("RATE_LIMIT_RULES")
	if !ok || raw == "" {
		return rules
	}

	var overrides map[string]RateRule
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return rules
	}
	for path, rule := range overrides {
		rules[path] = rule
	}
	return rules
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
