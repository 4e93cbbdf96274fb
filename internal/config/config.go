// Package config loads the process-wide service configuration from the
// environment. The returned Config is built once at startup and treated as
// read-only afterwards.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting the service reads from the environment.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`

	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Token signing.
	JWTSecret     string `env:"JWT_SECRET"`
	JWTAlgo       string `env:"JWT_ALGO" envDefault:"HS256"`
	JWTExpSeconds int64  `env:"JWT_EXP" envDefault:"3600"`

	// Encrypts the token carried on the federated-login redirect.
	RedirectSecret string `env:"REDIRECT_TOKEN_SECRET"`

	Database Database

	SNSTopicARN    string `env:"SNS_ARN"`
	AWSRegion      string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSSNSEndpoint string `env:"AWS_SNS_ENDPOINT"`
	// Static credentials for SNS; empty means the default AWS chain.
	SNSAccessKeyID     string `env:"SNS_ACCESS_KEY_ID"`
	SNSSecretAccessKey string `env:"SNS_SECRET_ACCESS_KEY"`

	SmartyAuthID    string `env:"SMARTY_AUTH_ID"`
	SmartyAuthToken string `env:"SMARTY_AUTH_TOKEN"`
	SmartyBaseURL   string `env:"SMARTY_BASE_URL" envDefault:"https://us-street.api.smarty.com"`

	GoogleClientID      string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret  string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL   string `env:"GOOGLE_REDIRECT_URL"`
	FrontendRedirectURL string `env:"FRONTEND_REDIRECT_URL"`

	AllowedRoles      []string `env:"USERS_ALLOWED_ROLES" envSeparator:"," envDefault:"support"`
	RegistrationRoles []string `env:"USERS_REGISTRATION_ROLES" envSeparator:"," envDefault:"ip"`
	FederatedRole     string   `env:"USERS_FEDERATED_ROLE" envDefault:"ip"`

	RateLimitBurst  int   `env:"RATE_LIMIT_BURST" envDefault:"50"`
	RateLimitPerSec int   `env:"RATE_LIMIT_PER_SEC" envDefault:"20"`
	MaxBodyBytes    int64 `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	// Honour X-Forwarded-For for rate limiting. Enable only behind a proxy
	// that overwrites the header.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
}

// Database describes how to reach the user store. A DSN wins over the
// discrete connection parameters; when neither is set the service falls back
// to the in-memory repository.
type Database struct {
	DSN         string `env:"USER_SERVICE_DSN"`
	Host        string `env:"USER_SERVICE_HOST"`
	Port        int    `env:"USER_SERVICE_PORT" envDefault:"5432"`
	User        string `env:"USER_SERVICE_USER"`
	Password    string `env:"USER_SERVICE_PASSWORD"`
	Name        string `env:"USER_SERVICE_DB" envDefault:"signals"`
	SSLMode     string `env:"USER_SERVICE_SSLMODE" envDefault:"disable"`
	AutoMigrate bool   `env:"USER_SERVICE_AUTO_MIGRATE" envDefault:"false"`
}

// Load parses the environment into a validated Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase parses only the database settings. Tools that never issue
// tokens use it so they do not need JWT_SECRET.
func LoadDatabase() (Database, error) {
	var d Database
	if err := env.Parse(&d); err != nil {
		return Database{}, fmt.Errorf("parse env: %w", err)
	}
	return d, nil
}

// TokenTTL returns the configured session token lifetime.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.JWTExpSeconds) * time.Second
}

// FederationEnabled reports whether the external identity flow is configured.
func (c Config) FederationEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// AddressVerificationEnabled reports whether provider credentials were supplied.
func (c Config) AddressVerificationEnabled() bool {
	return c.SmartyAuthID != "" && c.SmartyAuthToken != ""
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	switch c.JWTAlgo {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("config: unsupported JWT_ALGO %q", c.JWTAlgo)
	}
	if c.JWTExpSeconds <= 0 {
		return errors.New("config: JWT_EXP must be positive")
	}
	if len(c.AllowedRoles) == 0 {
		return errors.New("config: USERS_ALLOWED_ROLES must not be empty")
	}
	if c.FederationEnabled() {
		if c.RedirectSecret == "" {
			return errors.New("config: REDIRECT_TOKEN_SECRET is required when federation is enabled")
		}
		if c.RedirectSecret == c.JWTSecret {
			return errors.New("config: REDIRECT_TOKEN_SECRET must differ from JWT_SECRET")
		}
		if c.FrontendRedirectURL == "" {
			return errors.New("config: FRONTEND_REDIRECT_URL is required when federation is enabled")
		}
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: MAX_BODY_BYTES must be positive")
	}
	return nil
}

func (c *Config) normalize() {
	c.JWTAlgo = strings.ToUpper(strings.TrimSpace(c.JWTAlgo))
	c.AllowedRoles = trimCSV(c.AllowedRoles)
	c.RegistrationRoles = trimCSV(c.RegistrationRoles)
	c.FederatedRole = strings.TrimSpace(c.FederatedRole)
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 50
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 20
	}
}

// ConnString returns the connection string for the user store, or "" when
// no database was configured.
func (d Database) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	if d.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
