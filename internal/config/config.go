package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	minWebhookTimeout     = 1 * time.Second
	maxWebhookTimeout     = 60 * time.Second

	defaultMaxMessageBytes = 25 * 1024 * 1024
)

type Config struct {
	Environment string

	// RootDomain is the managed root email domain; mail is accepted for it
	// and all of its subdomains.
	RootDomain string

	WebhookURL     string
	WebhookToken   string
	WebhookTimeout time.Duration

	AdminToken string

	SMTPAddr        string
	SMTPDomain      string
	MaxMessageBytes int64
	HTTPPort        string

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("INTAKE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:       env,
		RootDomain:        strings.ToLower(os.Getenv("INTAKE_ROOT_DOMAIN")),
		WebhookURL:        os.Getenv("INTAKE_WEBHOOK_URL"),
		WebhookToken:      os.Getenv("INTAKE_WEBHOOK_TOKEN"),
		WebhookTimeout:    webhookTimeoutFromEnv(),
		AdminToken:        os.Getenv("INTAKE_ADMIN_TOKEN"),
		SMTPAddr:          getEnvOrDefault("INTAKE_SMTP_ADDR", ":2525"),
		SMTPDomain:        getEnvOrDefault("INTAKE_SMTP_DOMAIN", "localhost"),
		MaxMessageBytes:   maxMessageBytesFromEnv(),
		HTTPPort:          getEnvOrDefault("PORT", "8080"),
		S3Bucket:          os.Getenv("INTAKE_S3_BUCKET"),
		S3Region:          getEnvOrDefault("INTAKE_S3_REGION", "auto"),
		S3Endpoint:        os.Getenv("INTAKE_S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("INTAKE_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("INTAKE_S3_SECRET_ACCESS_KEY"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.RootDomain == "" {
		return fmt.Errorf("INTAKE_ROOT_DOMAIN is required")
	}

	if c.AdminToken == "" {
		return fmt.Errorf("INTAKE_ADMIN_TOKEN is required")
	}

	if c.S3Bucket == "" && c.Environment == "production" {
		return fmt.Errorf("INTAKE_S3_BUCKET is required in production")
	}

	return nil
}

// WebhookConfigured reports whether a downstream webhook consumer is set up.
// Without one, messages sit unprocessed until polled via the admin API.
func (c *Config) WebhookConfigured() bool {
	return c.WebhookURL != ""
}

// IsManagedDomain reports whether domain is the configured root domain or a
// subdomain of it.
func (c *Config) IsManagedDomain(domain string) bool {
	domain = strings.ToLower(domain)
	return domain == c.RootDomain || strings.HasSuffix(domain, "."+c.RootDomain)
}

// TenantSubdomain returns the label(s) preceding the root domain, or nil when
// the message arrived on the root domain itself.
func (c *Config) TenantSubdomain(domain string) *string {
	domain = strings.ToLower(domain)
	if domain == c.RootDomain {
		return nil
	}
	sub := strings.TrimSuffix(domain, "."+c.RootDomain)
	if sub == domain {
		return nil
	}
	return &sub
}

// webhookTimeoutFromEnv reads INTAKE_WEBHOOK_TIMEOUT_MS, clamped to [1s, 60s].
func webhookTimeoutFromEnv() time.Duration {
	raw := os.Getenv("INTAKE_WEBHOOK_TIMEOUT_MS")
	if raw == "" {
		return defaultWebhookTimeout
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return defaultWebhookTimeout
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout < minWebhookTimeout {
		return minWebhookTimeout
	}
	if timeout > maxWebhookTimeout {
		return maxWebhookTimeout
	}
	return timeout
}

func maxMessageBytesFromEnv() int64 {
	raw := os.Getenv("INTAKE_MAX_MESSAGE_BYTES")
	if raw == "" {
		return defaultMaxMessageBytes
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultMaxMessageBytes
	}
	return n
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
