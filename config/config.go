// Package config loads and validates the YAML configuration for the
// document signing service: policy profile selection, timestamp
// authority endpoint, revocation fetcher tuning, trust roots and
// signing defaults.
package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veridoc/docseal/certvalidator"
	"github.com/veridoc/docseal/certvalidator/fetchers"
	"github.com/veridoc/docseal/keys"
	"github.com/veridoc/docseal/sign/timestamps"
)

// EnvProduction overrides the production flag from the environment.
// Any value strconv.ParseBool accepts is honored; an unparseable value
// is a configuration error rather than a silent fallback.
const EnvProduction = "DOCSEAL_PRODUCTION"

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
)

// ConfigError represents a configuration error with field context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// PolicyConfig selects and tunes the certificate validation profile.
type PolicyConfig struct {
	// Mode is the policy profile ("strict" or "development").
	Mode string `yaml:"mode" json:"mode"`

	// MinimumKeySize overrides the profile's RSA modulus floor when
	// positive.
	MinimumKeySize int `yaml:"minimum-key-size" json:"minimum_key_size,omitempty"`

	// RequireGovernmentCA overrides the profile's issuer check.
	RequireGovernmentCA *bool `yaml:"require-government-ca" json:"require_government_ca,omitempty"`

	// RequireRevocationInfo overrides the profile's revocation
	// evidence requirement.
	RequireRevocationInfo *bool `yaml:"require-revocation-info" json:"require_revocation_info,omitempty"`

	// RequireTimestamp overrides the profile's timestamp requirement.
	RequireTimestamp *bool `yaml:"require-timestamp" json:"require_timestamp,omitempty"`
}

// Build resolves the configuration into a signing policy.
func (c *PolicyConfig) Build() (certvalidator.SigningPolicy, error) {
	var policy certvalidator.SigningPolicy
	switch c.Mode {
	case "", string(certvalidator.ModeStrict):
		policy = certvalidator.StrictPolicy()
	case string(certvalidator.ModeDevelopment):
		policy = certvalidator.DevelopmentPolicy()
	default:
		return policy, NewConfigError("policy.mode",
			fmt.Sprintf("unknown policy mode '%s' (want 'strict' or 'development')", c.Mode))
	}

	if c.MinimumKeySize < 0 {
		return policy, NewConfigError("policy.minimum-key-size", "must not be negative")
	}
	if c.MinimumKeySize > 0 {
		policy.MinimumKeySize = c.MinimumKeySize
	}
	if c.RequireGovernmentCA != nil {
		policy.RequireGovernmentCA = *c.RequireGovernmentCA
	}
	if c.RequireRevocationInfo != nil {
		policy.RequireRevocationInfo = *c.RequireRevocationInfo
	}
	if c.RequireTimestamp != nil {
		policy.RequireTimestamp = *c.RequireTimestamp
	}
	return policy, nil
}

// TimestampConfig contains timestamp authority configuration.
type TimestampConfig struct {
	// URL is the RFC 3161 timestamp service endpoint.
	URL string `yaml:"url" json:"url"`

	// Username for HTTP basic authentication.
	Username string `yaml:"username" json:"username,omitempty"`

	// Password for HTTP basic authentication.
	Password string `yaml:"password" json:"password,omitempty"`

	// Timeout is the request timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`

	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int `yaml:"max-retries" json:"max_retries,omitempty"`
}

// Validate validates the timestamp configuration.
func (c *TimestampConfig) Validate() error {
	if c.URL == "" {
		return NewConfigError("timestamp.url", "timestamp URL is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewConfigError("timestamp.url",
			fmt.Sprintf("'%s' is not an absolute URL", c.URL))
	}
	if c.Timeout < 0 {
		return NewConfigError("timestamp.timeout", "must not be negative")
	}
	if c.MaxRetries < 0 {
		return NewConfigError("timestamp.max-retries", "must not be negative")
	}
	return nil
}

// Client builds a timestamp client from the configuration.
func (c *TimestampConfig) Client() (*timestamps.Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	client := timestamps.NewClient(c.URL)
	if c.Username != "" {
		client.SetCredentials(c.Username, c.Password)
	}
	if c.Timeout > 0 {
		client.HTTPClient.Timeout = time.Duration(c.Timeout) * time.Second
	}
	if c.MaxRetries > 0 {
		client.MaxRetries = c.MaxRetries
	}
	return client, nil
}

// FetcherConfig tunes the OCSP and CRL fetchers.
type FetcherConfig struct {
	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`

	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int `yaml:"max-retries" json:"max_retries,omitempty"`

	// RetryDelay is the pause between attempts in milliseconds.
	RetryDelay int `yaml:"retry-delay-ms" json:"retry_delay_ms,omitempty"`

	// MaxResponseSize caps the response body in bytes.
	MaxResponseSize int64 `yaml:"max-response-size" json:"max_response_size,omitempty"`
}

// Validate validates the fetcher configuration.
func (c *FetcherConfig) Validate() error {
	if c.Timeout < 0 {
		return NewConfigError("revocation.timeout", "must not be negative")
	}
	if c.MaxRetries < 0 {
		return NewConfigError("revocation.max-retries", "must not be negative")
	}
	if c.RetryDelay < 0 {
		return NewConfigError("revocation.retry-delay-ms", "must not be negative")
	}
	if c.MaxResponseSize < 0 {
		return NewConfigError("revocation.max-response-size", "must not be negative")
	}
	return nil
}

// Build produces a fetcher configuration with defaults applied.
func (c *FetcherConfig) Build() (*fetchers.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := fetchers.DefaultConfig()
	if c.Timeout > 0 {
		cfg.Timeout = time.Duration(c.Timeout) * time.Second
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryDelay > 0 {
		cfg.RetryDelay = time.Duration(c.RetryDelay) * time.Millisecond
	}
	if c.MaxResponseSize > 0 {
		cfg.MaxResponseSize = c.MaxResponseSize
	}
	return cfg, nil
}

// SigningDefaults sets per-deployment signing defaults.
type SigningDefaults struct {
	// Level is the default signature level ("B-B", "B-T", "B-LT" or
	// "B-LTA").
	Level string `yaml:"level" json:"level,omitempty"`

	// Reason is the default signing reason stamped into signatures.
	Reason string `yaml:"reason" json:"reason,omitempty"`

	// ContactInfo is the default signer contact information.
	ContactInfo string `yaml:"contact-info" json:"contact_info,omitempty"`
}

var validLevels = map[string]bool{
	"B-B":   true,
	"B-T":   true,
	"B-LT":  true,
	"B-LTA": true,
}

// Validate validates the signing defaults.
func (c *SigningDefaults) Validate() error {
	if c.Level != "" && !validLevels[c.Level] {
		return NewConfigError("signing.level",
			fmt.Sprintf("unknown signature level '%s' (want B-B, B-T, B-LT or B-LTA)", c.Level))
	}
	return nil
}

// SetDefaults sets default values for the signing defaults.
func (c *SigningDefaults) SetDefaults() {
	if c.Level == "" {
		c.Level = "B-LT"
	}
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (console, json).
	Format string `yaml:"format" json:"format,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return NewConfigError("logging.level",
			fmt.Sprintf("unknown log level '%s'", c.Level))
	}
	switch c.Format {
	case "", "console", "json":
	default:
		return NewConfigError("logging.format",
			fmt.Sprintf("unknown log format '%s' (want 'console' or 'json')", c.Format))
	}
	return nil
}

// Config is the complete service configuration.
type Config struct {
	// Production marks the deployment as production. A development
	// policy in a production deployment fails closed at build time.
	Production bool `yaml:"production" json:"production"`

	// Policy selects the certificate validation profile.
	Policy *PolicyConfig `yaml:"policy" json:"policy,omitempty"`

	// Timestamp configures the RFC 3161 timestamp authority.
	Timestamp *TimestampConfig `yaml:"timestamp" json:"timestamp,omitempty"`

	// Revocation tunes the OCSP and CRL fetchers.
	Revocation *FetcherConfig `yaml:"revocation" json:"revocation,omitempty"`

	// TrustRoots are paths to PEM files carrying trusted CA
	// certificates.
	TrustRoots []string `yaml:"trust-roots" json:"trust_roots,omitempty"`

	// Signing sets per-deployment signing defaults.
	Signing *SigningDefaults `yaml:"signing" json:"signing,omitempty"`

	// Logging contains logging configuration.
	Logging *LoggingConfig `yaml:"logging" json:"logging,omitempty"`
}

// Load loads the configuration from a YAML file, applies environment
// overrides and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML data, applies environment
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.setDefaults()
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Policy == nil {
		c.Policy = &PolicyConfig{}
	}
	if c.Revocation == nil {
		c.Revocation = &FetcherConfig{}
	}
	if c.Signing == nil {
		c.Signing = &SigningDefaults{}
	}
	c.Signing.SetDefaults()
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Logging.SetDefaults()
}

// applyEnv applies environment overrides. The production flag can be
// forced from the environment so a mis-edited config file cannot
// demote a production deployment.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvProduction); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{
				Field:   "production",
				Message: fmt.Sprintf("environment override %s=%q is not a boolean", EnvProduction, v),
				Err:     err,
			}
		}
		c.Production = b
	}
	return nil
}

// Validate validates the complete configuration.
func (c *Config) Validate() error {
	if _, err := c.Policy.Build(); err != nil {
		return err
	}
	if c.Timestamp != nil {
		if err := c.Timestamp.Validate(); err != nil {
			return err
		}
	}
	if err := c.Revocation.Validate(); err != nil {
		return err
	}
	if err := c.Signing.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}

// BuildPolicy resolves the signing policy and enforces the deployment
// mode: a non-strict policy under the production flag fails closed.
func (c *Config) BuildPolicy() (certvalidator.SigningPolicy, error) {
	policy, err := c.Policy.Build()
	if err != nil {
		return policy, err
	}
	if err := policy.CheckDeployment(c.Production); err != nil {
		return policy, &ConfigError{
			Field:   "policy.mode",
			Message: "development policy is not allowed in a production deployment",
			Err:     err,
		}
	}
	return policy, nil
}

// LoadTrustRoots loads the configured trust anchor files into a pool.
// Returns nil when no trust roots are configured so callers fall back
// to the system pool.
func (c *Config) LoadTrustRoots() (*x509.CertPool, error) {
	if len(c.TrustRoots) == 0 {
		return nil, nil
	}
	pool, err := keys.LoadTrustRoots(c.TrustRoots)
	if err != nil {
		return nil, &ConfigError{
			Field:   "trust-roots",
			Message: "failed to load trust anchors",
			Err:     err,
		}
	}
	return pool, nil
}
