// Package config loads gateway configuration from the environment,
// following the teacher's flat getEnv/.env convention rather than a
// structured file format.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StaticTenant is one row of the operator-configured fallback tenant
// table (auth.useYamlFallback in spec terms).
type StaticTenant struct {
	Credential string
	TenantID   string
	UserID     string
	Plan       string
}

// Config is the fully resolved gateway configuration, covering every
// option in the external-interfaces option table.
type Config struct {
	DatabaseURL string
	RedisURL    string
	ServerPort  string

	UpstreamBaseURL   string
	AnthropicVersion  string
	UpstreamAPIKeys   []string

	DefaultRPM int

	Tenants         []StaticTenant
	UseYamlFallback bool
	UseDatabase     bool

	CryptoMasterKeyPath    string
	CryptoCurrentKeyVer    int

	CacheKeyPrefix      string
	CacheAPIKeyTTL      time.Duration
	CacheQuotaPolicyTTL time.Duration

	AdminAPIKeyHeader    string
	AdminAPIKeys         []string
	AdminSessionSecret   string
	AdminSessionTTL      time.Duration

	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// Load reads a .env file if present, then builds a Config from the
// process environment, applying the defaults spec.md documents.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		UpstreamBaseURL:  getEnv("UPSTREAM_BASE_URL", "https://api.anthropic.com"),
		AnthropicVersion: getEnv("ANTHROPIC_VERSION", "2023-06-01"),
		UpstreamAPIKeys:  splitCSV(getEnv("UPSTREAM_API_KEYS", "")),

		DefaultRPM: getEnvInt("DEFAULT_RPM", 60),

		UseYamlFallback: getEnvBool("AUTH_USE_YAML_FALLBACK", true),
		UseDatabase:     getEnvBool("AUTH_USE_DATABASE", false),

		CryptoMasterKeyPath: getEnv("CRYPTO_MASTER_KEY_PATH", ""),
		CryptoCurrentKeyVer: getEnvInt("CRYPTO_CURRENT_KEY_VERSION", 1),

		CacheKeyPrefix:      getEnv("CACHE_KEY_PREFIX", "gw:"),
		CacheAPIKeyTTL:      time.Duration(getEnvInt("CACHE_API_KEY_TTL_SECONDS", 300)) * time.Second,
		CacheQuotaPolicyTTL: time.Duration(getEnvInt("CACHE_QUOTA_POLICY_TTL_SECONDS", 60)) * time.Second,

		AdminAPIKeyHeader:  getEnv("ADMIN_API_KEY_HEADER", "X-Admin-Api-Key"),
		AdminAPIKeys:       splitCSV(getEnv("ADMIN_API_KEYS", "")),
		AdminSessionSecret: getEnv("ADMIN_SESSION_SECRET", ""),
		AdminSessionTTL:    time.Duration(getEnvInt("ADMIN_SESSION_TTL_SECONDS", 3600)) * time.Second,

		MaxBodyBytes:   int64(getEnvInt("MAX_BODY_BYTES", 10*1024*1024)),
		RequestTimeout: time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 60)) * time.Second,
	}

	cfg.Tenants = parseStaticTenants(getEnv("STATIC_TENANTS", ""))

	return cfg, nil
}

// parseStaticTenants parses "credential:tenantId:userId:plan,..." rows,
// the env-only equivalent of the original's YAML tenant table.
func parseStaticTenants(raw string) []StaticTenant {
	if raw == "" {
		return nil
	}
	var out []StaticTenant
	for _, row := range strings.Split(raw, ",") {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		parts := strings.SplitN(row, ":", 4)
		if len(parts) != 4 {
			continue
		}
		out = append(out, StaticTenant{
			Credential: parts[0],
			TenantID:   parts[1],
			UserID:     parts[2],
			Plan:       parts[3],
		})
	}
	return out
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}
