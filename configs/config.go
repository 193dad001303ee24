package config

import (
	"os"
	"strconv"
)

// Config is loaded once at process start from environment variables via
// a flat getEnv/getEnvAsInt/getEnvAsBool pattern.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	RedisHost  string
	RedisPort  string

	EtcdEndpoints     []string
	LeaderElectionTTL int
	// ReconcileSchedule is a standard five-field cron expression driving
	// the reconciler's sweep cadence.
	ReconcileSchedule string

	APIPort string

	// Logging
	LogLevel    string
	LogEncoding string

	// Tracing
	TracingEnabled      bool
	TracingEndpoint     string
	TracingSamplingRate float64
	Environment         string

	// Auth settings
	JWTSecret   string
	JWTIssuer   string
	AuthEnabled bool

	// Quota/trial/lock
	LockTTLSeconds  int
	TrialDays       int
	GraceDays       int

	// Rate limiter
	RateLimitAlgorithm string
	CommercePlanTier   string
	CommerceRESTPerMin int

	// Retry engine
	RetryMaxAttempts    int
	RetryBudgetMax      int
	RetryBudgetWindowMs int
	ErrorSampling       float64

	// Database batch executor
	BatchStrategy        string
	BatchEnableTx         bool
	BatchEnableRollback   bool
	BatchGlobalTimeoutMs  int

	// External vendors
	CommerceBaseURL   string
	CommerceAPIKey    string
	LLMProviderAPIKey string
	BillingBaseURL    string

	// S3-backed oversized-payload store
	S3Bucket string
	S3Region string
}

// LoadConfig reads process configuration from the environment, applying
// sensible defaults wherever a variable is unset.
func LoadConfig() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "contentctl"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "contentctl"),
		RedisHost:  getEnv("REDIS_HOST", "localhost"),
		RedisPort:  getEnv("REDIS_PORT", "6379"),

		EtcdEndpoints:     []string{getEnv("ETCD_ENDPOINTS", "localhost:2379")},
		LeaderElectionTTL: getEnvAsInt("LEADER_ELECTION_TTL", 15),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "* * * * *"),

		APIPort: getEnv("API_PORT", "8080"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),

		TracingEnabled:      getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint:     getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingSamplingRate: getEnvAsFloat("TRACING_SAMPLING_RATE", 1.0),
		Environment:         getEnv("ENVIRONMENT", "development"),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "contentctl"),
		AuthEnabled: getEnvAsBool("AUTH_ENABLED", false),

		LockTTLSeconds: getEnvAsInt("LOCK_TTL_SECONDS", 30),
		TrialDays:      getEnvAsInt("TRIAL_DAYS", 14),
		GraceDays:      getEnvAsInt("GRACE_DAYS", 3),

		RateLimitAlgorithm: getEnv("RATE_LIMIT_ALGORITHM", "token_bucket"),
		CommercePlanTier:   getEnv("COMMERCE_PLAN_TIER", "standard"),
		CommerceRESTPerMin: getEnvAsInt("COMMERCE_REST_PER_MINUTE", 40),

		RetryMaxAttempts:    getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBudgetMax:      getEnvAsInt("RETRY_BUDGET_MAX", 0),
		RetryBudgetWindowMs: getEnvAsInt("RETRY_BUDGET_WINDOW_MS", 60000),
		ErrorSampling:       getEnvAsFloat("ERROR_SAMPLING", 1.0),

		BatchStrategy:       getEnv("BATCH_STRATEGY", "smart"),
		BatchEnableTx:       getEnvAsBool("BATCH_ENABLE_TRANSACTIONS", true),
		BatchEnableRollback: getEnvAsBool("BATCH_ENABLE_ROLLBACK", true),
		BatchGlobalTimeoutMs: getEnvAsInt("BATCH_GLOBAL_TIMEOUT_MS", 60000),

		CommerceBaseURL:   getEnv("COMMERCE_BASE_URL", ""),
		CommerceAPIKey:    getEnv("COMMERCE_API_KEY", ""),
		LLMProviderAPIKey: getEnv("LLM_PROVIDER_API_KEY", ""),
		BillingBaseURL:    getEnv("BILLING_BASE_URL", ""),

		S3Bucket: getEnv("S3_BUCKET", ""),
		S3Region: getEnv("S3_REGION", "us-east-1"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}
