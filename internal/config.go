package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Escrow        EscrowConfig        `mapstructure:"escrow"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

// GatewayConfig configures the external payment processor client and, for
// local development, the callback simulator worker pool.
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	SigningSecret  string        `mapstructure:"signing_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	JobQueueSize   int           `mapstructure:"job_queue_size"`
}

// EscrowConfig carries the payment policy: how a job's total is split across
// stages and which percentages are retained when a paid stage is refunded.
// Percentages are decimal strings so the engine never touches floats.
type EscrowConfig struct {
	DepositPercent           string `mapstructure:"deposit_percent"`
	PreStartPercent          string `mapstructure:"pre_start_percent"`
	CompletionPercent        string `mapstructure:"completion_percent"`
	PlatformClawbackPercent  string `mapstructure:"platform_clawback_percent"`
	ProcessorClawbackPercent string `mapstructure:"processor_clawback_percent"`
	// DefaultPlatformFeePercent applies when the membership service has no
	// tier-specific override for a customer.
	DefaultPlatformFeePercent string `mapstructure:"default_platform_fee_percent"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- ENV LOADING -----------------

func LoadConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:           getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			AllowedOrigins:    getEnv("SERVER_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DB_SOURCE", ""),
		},
		Gateway: GatewayConfig{
			BaseURL:        getEnv("GATEWAY_BASE_URL", ""),
			APIKey:         getEnv("GATEWAY_API_KEY", ""),
			WebhookURL:     getEnv("GATEWAY_WEBHOOK_URL", ""),
			SigningSecret:  getEnv("GATEWAY_SIGNING_SECRET", ""),
			RequestTimeout: getEnvAsDuration("GATEWAY_REQUEST_TIMEOUT", 15*time.Second),
			MaxWorkers:     getEnvAsInt("GATEWAY_MAX_WORKERS", 10),
			JobQueueSize:   getEnvAsInt("GATEWAY_JOB_QUEUE_SIZE", 100),
		},
		Escrow: EscrowConfig{
			DepositPercent:            getEnv("ESCROW_DEPOSIT_PERCENT", "15"),
			PreStartPercent:           getEnv("ESCROW_PRE_START_PERCENT", "25"),
			CompletionPercent:         getEnv("ESCROW_COMPLETION_PERCENT", "60"),
			PlatformClawbackPercent:   getEnv("ESCROW_PLATFORM_CLAWBACK_PERCENT", "7"),
			ProcessorClawbackPercent:  getEnv("ESCROW_PROCESSOR_CLAWBACK_PERCENT", "3"),
			DefaultPlatformFeePercent: getEnv("ESCROW_DEFAULT_PLATFORM_FEE_PERCENT", "10"),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Escrow.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("escrow config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *GatewayConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if c.SigningSecret == "" {
		return errors.New("signing_secret is required")
	}
	return nil
}

func (c *EscrowConfig) Validate() error {
	if _, err := c.StagePercentages(); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"platform_clawback_percent":    c.PlatformClawbackPercent,
		"processor_clawback_percent":   c.ProcessorClawbackPercent,
		"default_platform_fee_percent": c.DefaultPlatformFeePercent,
	} {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		if pct.IsNegative() {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	return nil
}

// StagePercentages returns the deposit / pre-start / completion split, in
// that order. The three must sum to exactly 100.
func (c *EscrowConfig) StagePercentages() ([]decimal.Decimal, error) {
	names := []string{"deposit_percent", "pre_start_percent", "completion_percent"}
	raws := []string{c.DepositPercent, c.PreStartPercent, c.CompletionPercent}

	pcts := make([]decimal.Decimal, len(raws))
	sum := decimal.Zero
	for i, raw := range raws {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", names[i], raw, err)
		}
		if pct.IsNegative() {
			return nil, fmt.Errorf("%s cannot be negative", names[i])
		}
		pcts[i] = pct
		sum = sum.Add(pct)
	}

	if !sum.Equal(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("stage percentages must sum to 100, got %s", sum)
	}

	return pcts, nil
}

func (c *EscrowConfig) PlatformClawback() decimal.Decimal {
	pct, _ := decimal.NewFromString(c.PlatformClawbackPercent)
	return pct
}

func (c *EscrowConfig) ProcessorClawback() decimal.Decimal {
	pct, _ := decimal.NewFromString(c.ProcessorClawbackPercent)
	return pct
}

func (c *EscrowConfig) DefaultPlatformFee() decimal.Decimal {
	pct, _ := decimal.NewFromString(c.DefaultPlatformFeePercent)
	return pct
}
