package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// SQS queue for delivery outcome events; empty disables publishing
	SQSOutcomeQueueURL string

	// FCM push config
	FCMServerKey string
	FCMEndpoint  string

	// Delivery tracker
	MaxRetries       int // default retry budget per delivery
	RetryBatchSize   int // deliveries claimed per sweep
	StalePendingMins int // pending older than this is re-dispatched

	// Sweep cadence, in minutes
	ScheduleSweepMins int
	RetrySweepMins    int
	CleanupSweepMins  int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "meattrace",
		DBPassword: "",
		DBName:     "meattrace",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@meattrace.local",

		FCMEndpoint: "https://fcm.googleapis.com/fcm/send",

		MaxRetries:       3,
		RetryBatchSize:   100,
		StalePendingMins: 5,

		ScheduleSweepMins: 1,
		RetrySweepMins:    1,
		CleanupSweepMins:  60,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_OUTCOME_QUEUE_URL"); url != "" {
		cfg.SQSOutcomeQueueURL = url
	}

	// FCM config
	if key := os.Getenv("FCM_SERVER_KEY"); key != "" {
		cfg.FCMServerKey = key
	}

	if endpoint := os.Getenv("FCM_ENDPOINT"); endpoint != "" {
		cfg.FCMEndpoint = endpoint
	}

	// Delivery tracker config
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}

	if v := os.Getenv("RETRY_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BATCH_SIZE: %w", err)
		}
		cfg.RetryBatchSize = n
	}

	if v := os.Getenv("STALE_PENDING_MINS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STALE_PENDING_MINS: %w", err)
		}
		cfg.StalePendingMins = n
	}

	// Sweep cadence
	if v := os.Getenv("SCHEDULE_SWEEP_MINS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULE_SWEEP_MINS: %w", err)
		}
		cfg.ScheduleSweepMins = n
	}

	if v := os.Getenv("RETRY_SWEEP_MINS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_SWEEP_MINS: %w", err)
		}
		cfg.RetrySweepMins = n
	}

	if v := os.Getenv("CLEANUP_SWEEP_MINS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CLEANUP_SWEEP_MINS: %w", err)
		}
		cfg.CleanupSweepMins = n
	}

	return cfg, nil
}
