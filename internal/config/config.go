package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP   HTTPConfig
	Log    LogConfig
	Mongo  MongoConfig
	Redis  RedisConfig
	Gemini GeminiConfig
	Upload UploadConfig
	Worker WorkerConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

type MongoConfig struct {
	URI      string
	Database string

	PresentationCollection string
	MeetingCollection      string
	RequirementsCollection string
	ResultsCollection      string

	ConnectTimeout time.Duration
	MaxPoolSize    uint64
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

type UploadConfig struct {
	Dir              string
	MaxFileSizeBytes int64
	AllowedTypes     []string
}

type WorkerConfig struct {
	MaxWorkers int
	QueueSize  int
}

func Load() (*Config, error) {
	// Missing .env is fine in containerized deployments; the environment is
	// already populated there.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			FilePath: getEnv("LOG_FILE_PATH", "logs/sap-analysis.log"),
		},
		Mongo: MongoConfig{
			URI:                    getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:               getEnv("MONGO_DATABASE", "sap_analysis"),
			PresentationCollection: getEnv("MONGO_PRESENTATION_COLLECTION", "presentation_transcriptions"),
			MeetingCollection:      getEnv("MONGO_MEETING_COLLECTION", "transcriptions"),
			RequirementsCollection: getEnv("MONGO_REQUIREMENTS_COLLECTION", "requirements"),
			ResultsCollection:      getEnv("MONGO_RESULTS_COLLECTION", "analysis_results"),
			ConnectTimeout:         getEnvDuration("MONGO_CONNECT_TIMEOUT", 10*time.Second),
			MaxPoolSize:            uint64(getEnvInt("MONGO_MAX_POOL_SIZE", 50)),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:      os.Getenv("GEMINI_API_KEY"),
			Model:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			MaxTokens:   getEnvInt("GEMINI_MAX_TOKENS", 8192),
			Temperature: getEnvFloat("GEMINI_TEMPERATURE", 0.2),
			Timeout:     getEnvDuration("GEMINI_TIMEOUT", 120*time.Second),
			MaxRetries:  getEnvInt("GEMINI_MAX_RETRIES", 3),
			RetryDelay:  getEnvDuration("GEMINI_RETRY_DELAY", 2*time.Second),
		},
		Upload: UploadConfig{
			Dir:              getEnv("UPLOADS_DIR", "./uploads"),
			MaxFileSizeBytes: int64(getEnvInt("MAX_FILE_SIZE", 10*1024*1024)),
			AllowedTypes:     getEnvList("ALLOWED_FILE_TYPES", []string{".xlsx", ".csv"}),
		},
		Worker: WorkerConfig{
			MaxWorkers: getEnvInt("MAX_WORKERS", 8),
			QueueSize:  getEnvInt("WORKER_QUEUE_SIZE", 64),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Worker.MaxWorkers <= 0 {
		return fmt.Errorf("MAX_WORKERS must be positive, got %d", c.Worker.MaxWorkers)
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("MONGO_URI is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
