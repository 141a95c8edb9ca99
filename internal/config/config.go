// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles,
// optionally seeded from a local .env file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned when configuration parses but fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Target resolution modes for the billing API.
const (
	TargetModeHeader = "header"
	TargetModeStatic = "static"
)

// Purchase failure policies.
const (
	PurchasePolicyNone       = "none"
	PurchasePolicyCompensate = "compensate"
)

// Common holds settings shared by both binaries.
type Common struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Prometheus side-channel listener; 0 disables it.
	MetricsPort int `env:"METRICS_PORT" envDefault:"0"`

	// Request body size limit in bytes (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`
}

// IsDevelopment returns true if running in development mode.
func (c *Common) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Common) IsProduction() bool {
	return c.AppEnv == "production"
}

// APIConfig configures the billing API.
type APIConfig struct {
	Common

	// Azure coordinates. The subscription id is always required; the
	// service name and resource group are required in static mode and act
	// as header fallbacks in header mode.
	AzureSubscriptionID string `env:"AZURE_SUBSCRIPTION_ID,required,notEmpty"`
	APIMName            string `env:"APIM_NAME"`
	APIMResourceGroup   string `env:"APIM_RESOURCE_GROUP"`
	TargetMode          string `env:"TARGET_MODE" envDefault:"header"`

	// ARM access
	ARMEndpoint       string        `env:"ARM_ENDPOINT" envDefault:"https://management.azure.com"`
	ARMAudience       string        `env:"ARM_AUDIENCE" envDefault:"https://management.azure.com"`
	ARMAPIVersion     string        `env:"ARM_API_VERSION" envDefault:"2024-05-01"`
	ARMRequestTimeout time.Duration `env:"ARM_REQUEST_TIMEOUT" envDefault:"30s"`

	// Credential: "default" uses the DefaultAzureCredential chain,
	// "managed-identity" pins a (optionally user-assigned) managed identity.
	CredentialMode string `env:"AZURE_CREDENTIAL_MODE" envDefault:"default"`
	AzureClientID  string `env:"AZURE_CLIENT_ID"`

	PurchaseFailurePolicy string `env:"PURCHASE_FAILURE_POLICY" envDefault:"none"`

	// Accepted for deployment parity; no exporter is wired.
	TelemetryConnectionString string `env:"APPLICATIONINSIGHTS_CONNECTION_STRING"`

	// CORS configuration
	// Comma-separated list of allowed origins; "*" allows any origin.
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *APIConfig) GetCORSAllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// HasDefaultTarget reports whether a complete fallback APIM instance is configured.
func (c *APIConfig) HasDefaultTarget() bool {
	return strings.TrimSpace(c.APIMName) != "" && strings.TrimSpace(c.APIMResourceGroup) != ""
}

// Validate checks values that struct tags cannot express.
func (c *APIConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.AzureSubscriptionID) == "" {
		errs = append(errs, errors.New("AZURE_SUBSCRIPTION_ID must not be blank"))
	}

	switch c.TargetMode {
	case TargetModeHeader:
	case TargetModeStatic:
		if strings.TrimSpace(c.APIMName) == "" {
			errs = append(errs, errors.New("APIM_NAME is required when TARGET_MODE=static"))
		}
		if strings.TrimSpace(c.APIMResourceGroup) == "" {
			errs = append(errs, errors.New("APIM_RESOURCE_GROUP is required when TARGET_MODE=static"))
		}
	default:
		errs = append(errs, fmt.Errorf("TARGET_MODE must be %q or %q, got %q", TargetModeHeader, TargetModeStatic, c.TargetMode))
	}

	switch c.PurchaseFailurePolicy {
	case PurchasePolicyNone, PurchasePolicyCompensate:
	default:
		errs = append(errs, fmt.Errorf("PURCHASE_FAILURE_POLICY must be %q or %q, got %q",
			PurchasePolicyNone, PurchasePolicyCompensate, c.PurchaseFailurePolicy))
	}

	switch c.CredentialMode {
	case "default", "managed-identity":
	default:
		errs = append(errs, fmt.Errorf("AZURE_CREDENTIAL_MODE must be \"default\" or \"managed-identity\", got %q", c.CredentialMode))
	}

	if c.ARMRequestTimeout <= 0 {
		errs = append(errs, errors.New("ARM_REQUEST_TIMEOUT must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Instance is an APIM instance the web tier offers for selection.
type Instance struct {
	ServiceName   string `json:"serviceName"`
	ResourceGroup string `json:"resourceGroup"`
	DisplayName   string `json:"displayName,omitempty"`
	Description   string `json:"description,omitempty"`
}

// Label returns the display name, falling back to the service name.
func (i Instance) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.ServiceName
}

// WebConfig configures the billing web frontend.
type WebConfig struct {
	Common

	BillingAPIBaseURL string        `env:"BILLING_API_BASE_URL,required,notEmpty"`
	GatewayTimeout    time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"30s"`

	// Circuit breaker around the billing API (off by default).
	GatewayBreakerEnabled  bool          `env:"GATEWAY_BREAKER_ENABLED" envDefault:"false"`
	GatewayBreakerFailures uint32        `env:"GATEWAY_BREAKER_FAILURES" envDefault:"5"`
	GatewayBreakerTimeout  time.Duration `env:"GATEWAY_BREAKER_TIMEOUT" envDefault:"30s"`

	// Cache (Redis) backs web sessions.
	RedisURL   string        `env:"REDIS_URL,required"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"30m"`

	// JSON array of {serviceName, resourceGroup, displayName, description}.
	APIMInstances string `env:"APIM_INSTANCES" envDefault:"[]"`
}

// Instances decodes APIM_INSTANCES.
func (c *WebConfig) Instances() ([]Instance, error) {
	raw := strings.TrimSpace(c.APIMInstances)
	if raw == "" {
		return nil, nil
	}

	var out []Instance
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("APIM_INSTANCES: %w", err)
	}
	for i, inst := range out {
		if strings.TrimSpace(inst.ServiceName) == "" || strings.TrimSpace(inst.ResourceGroup) == "" {
			return nil, fmt.Errorf("APIM_INSTANCES[%d]: serviceName and resourceGroup are required", i)
		}
	}
	return out, nil
}

// Validate checks values that struct tags cannot express.
func (c *WebConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.BillingAPIBaseURL) == "" {
		errs = append(errs, errors.New("BILLING_API_BASE_URL must not be blank"))
	}
	if _, err := c.Instances(); err != nil {
		errs = append(errs, err)
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LoadAPI parses environment variables and returns a validated APIConfig.
func LoadAPI() (*APIConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &APIConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWeb parses environment variables and returns a validated WebConfig.
func LoadWeb() (*WebConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &WebConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv seeds the environment from ENV_FILE (default ".env") when it exists.
// Variables already set in the process environment win.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))

	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
