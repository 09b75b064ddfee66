package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   float64
	RateLimitBurst int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	PostgresMaxConns int

	// CDM
	CDMStore          string // postgres or duckdb
	CDMSchema         string
	CDMDatetimeValues bool
	DuckDBPath        string

	// Concept metadata
	ConceptCatalogPath string
	ConceptTable       string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaEnabled          bool
	KafkaBrokers          []string
	KafkaGroupID          string
	ExtractRequestTopic   string
	ExtractCompletedTopic string

	// Extraction
	ExtractChunkSize int
	ExtractCadence   float64
	ExtractWorkers   int
	ExtractMaxJobs   int
	ExtractOutputDir string
	ExtractFormat    string
	ExtractStoreRows bool

	// Feature Store
	FeatureStoreCacheTTL time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 5*time.Minute),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),
		RateLimitRPS:   getFloatEnv("RATE_LIMIT_RPS", 0),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 20),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "omop"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "omop"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresMaxConns: getIntEnv("POSTGRES_MAX_CONNS", 10),

		CDMStore:          getEnv("CDM_STORE", "postgres"),
		CDMSchema:         getEnv("CDM_SCHEMA", "cdm"),
		CDMDatetimeValues: getBoolEnv("CDM_DATETIME_VALUES", false),
		DuckDBPath:        getEnv("DUCKDB_PATH", ""),

		ConceptCatalogPath: getEnv("CONCEPT_CATALOG_PATH", ""),
		ConceptTable:       getEnv("CONCEPT_TABLE", ""),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaEnabled:          getBoolEnv("KAFKA_ENABLED", true),
		KafkaBrokers:          getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "omopwide"),
		ExtractRequestTopic:   getEnv("EXTRACT_REQUEST_TOPIC", "extraction.requests"),
		ExtractCompletedTopic: getEnv("EXTRACT_COMPLETED_TOPIC", "extraction.completed"),

		ExtractChunkSize: getIntEnv("EXTRACT_CHUNK_SIZE", 5000),
		ExtractCadence:   getFloatEnv("EXTRACT_CADENCE", 1),
		ExtractWorkers:   getIntEnv("EXTRACT_WORKERS", 1),
		ExtractMaxJobs:   getIntEnv("EXTRACT_MAX_JOBS", 2),
		ExtractOutputDir: getEnv("EXTRACT_OUTPUT_DIR", "./extractions"),
		ExtractFormat:    getEnv("EXTRACT_FORMAT", "parquet"),
		ExtractStoreRows: getBoolEnv("EXTRACT_STORE_ROWS", false),

		FeatureStoreCacheTTL: getDuration("FEATURE_STORE_CACHE_TTL", 24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
