package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr          string
	PublicBaseURL string
	CORSOrigin    string
	GatewayToken  string

	// Content repository
	ContentDir     string
	ContentRepoURL string
	ContentGroups  []string
	DefaultStyleID string

	// Session store backends; first configured one wins (postgres > redis > memory)
	DatabaseURL   string
	MigrationsDir string
	RedisURL      string

	// Proxy artifact storage (MinIO) - empty endpoint means in-memory
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Registry search
	MeiliURL       string
	MeiliMasterKey string
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8585"),
		PublicBaseURL: getenv("DOCFORGE_PUBLIC_BASE_URL", ""),
		CORSOrigin:    getenv("DOCFORGE_CORS_ORIGIN", "*"),
		GatewayToken:  getenv("DOCFORGE_GATEWAY_TOKEN", ""),

		ContentDir:     getenv("DOCFORGE_CONTENT_DIR", "./data/content"),
		ContentRepoURL: getenv("DOCFORGE_CONTENT_REPO_URL", ""),
		ContentGroups:  getenvList("DOCFORGE_CONTENT_GROUPS"),
		DefaultStyleID: getenv("DOCFORGE_DEFAULT_STYLE", ""),

		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("DOCFORGE_MIGRATIONS_DIR", "./db/migrations"),
		RedisURL:      getenv("REDIS_URL", ""),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "docforge-artifacts"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
