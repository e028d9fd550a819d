package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	WorkerCount    int
	DatabaseURL    string
	ClinicTimezone string
	AdminJWTSecret string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	// TrustProxyHeaders takes the client IP from X-Forwarded-For/X-Real-IP.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxyHeaders bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	UserCacheTTL  time.Duration

	// Booking rules
	MaxPendingPerPatient   int
	RequireNotesOnComplete bool
	DepositPercent         decimal.Decimal

	// Background jobs
	JobRunTimeout       time.Duration
	ExpirationInterval  time.Duration
	ExpirationTimeout   time.Duration
	ExpirationBatchSize int
	ReconcileInterval   time.Duration
	ReconcileMinAge     time.Duration
	ReconcileMaxAge     time.Duration
	ReconcileCutoff     time.Duration
	ReconcileAllowOld   bool
	ReconcilePause      time.Duration
	ReconcileBatchSize  int
	OutboxInterval      time.Duration
	OutboxLease         time.Duration
	OutboxMaxAttempts   int

	// Refund policy
	RefundFullNotice     time.Duration
	RefundPartialPercent decimal.Decimal
	RefundWindow         time.Duration

	// VNPay gateway
	VNPayTmnCode    string
	VNPayHashSecret string
	VNPayPayURL     string
	VNPayAPIURL     string
	VNPayReturnURL  string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	NotifyQueueURL      string
	ArchiveBucket       string

	// Email
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "UTC"),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 10),
		TrustProxyHeaders:  getEnvAsBool("TRUST_PROXY_HEADERS", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		UserCacheTTL:  getEnvAsDuration("USER_CACHE_TTL", 5*time.Minute),

		MaxPendingPerPatient:   getEnvAsInt("BOOKING_MAX_PENDING", 3),
		RequireNotesOnComplete: getEnvAsBool("APPOINTMENT_REQUIRE_NOTES", true),
		DepositPercent:         getEnvAsDecimal("DEPOSIT_PERCENT", decimal.NewFromInt(30)),

		JobRunTimeout:       getEnvAsDuration("JOB_RUN_TIMEOUT", 4*time.Minute),
		ExpirationInterval:  getEnvAsDuration("EXPIRATION_INTERVAL", 5*time.Minute),
		ExpirationTimeout:   getEnvAsDuration("EXPIRATION_TIMEOUT", 15*time.Minute),
		ExpirationBatchSize: getEnvAsInt("EXPIRATION_BATCH_SIZE", 200),
		ReconcileInterval:   getEnvAsDuration("RECONCILE_INTERVAL", 10*time.Minute),
		ReconcileMinAge:     getEnvAsDuration("RECONCILE_MIN_AGE", 15*time.Minute),
		ReconcileMaxAge:     getEnvAsDuration("RECONCILE_MAX_AGE", 24*time.Hour),
		ReconcileCutoff:     getEnvAsDuration("RECONCILE_SAFETY_CUTOFF", 30*24*time.Hour),
		ReconcileAllowOld:   getEnvAsBool("RECONCILE_ALLOW_OLD", false),
		ReconcilePause:      getEnvAsDuration("RECONCILE_PAUSE", 500*time.Millisecond),
		ReconcileBatchSize:  getEnvAsInt("RECONCILE_BATCH_SIZE", 100),
		OutboxInterval:      getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxLease:         getEnvAsDuration("OUTBOX_LEASE", time.Minute),
		OutboxMaxAttempts:   getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 10),

		RefundFullNotice:     getEnvAsDuration("REFUND_FULL_NOTICE", 48*time.Hour),
		RefundPartialPercent: getEnvAsDecimal("REFUND_PARTIAL_PERCENT", decimal.NewFromInt(30)),
		RefundWindow:         getEnvAsDuration("REFUND_WINDOW", 30*24*time.Hour),

		VNPayTmnCode:    getEnv("VNPAY_TMN_CODE", ""),
		VNPayHashSecret: getEnv("VNPAY_HASH_SECRET", ""),
		VNPayPayURL:     getEnv("VNPAY_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
		VNPayAPIURL:     getEnv("VNPAY_API_URL", "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction"),
		VNPayReturnURL:  getEnv("VNPAY_RETURN_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		NotifyQueueURL:      getEnv("NOTIFY_QUEUE_URL", ""),
		ArchiveBucket:       getEnv("GATEWAY_ARCHIVE_BUCKET", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clinic Booking"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
	}
}

// IsDevelopment reports whether ENV names a local or test environment. Only
// these may run on the in-memory store or the fake payment gateway.
func (c *Config) IsDevelopment() bool {
	if c == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "development", "dev", "local", "test":
		return true
	}
	return false
}

// ClinicLocation resolves the clinic time zone, falling back to UTC.
func (c *Config) ClinicLocation() *time.Location {
	if c == nil || strings.TrimSpace(c.ClinicTimezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.ClinicTimezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if value, err := decimal.NewFromString(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
