package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jogardn/dropship-orders/pkg/models"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const (
	ChangeSourceKafka    = "kafka"
	ChangeSourcePostgres = "postgres"
	ChangeSourceLocal    = "local"

	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Database struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"orderservice"`
	Password string `envconfig:"DB_PASSWORD" default:"orderservice"`
	Name     string `envconfig:"DB_NAME" default:"orders"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// DSN renders the connection as a postgres:// URL, accepted by lib/pq and golang-migrate.
func (d Database) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// Gateway configures cmd/gateway.
type Gateway struct {
	Database
	Port            string          `envconfig:"GATEWAY_PORT" default:"8080"`
	Storage         string          `envconfig:"STORAGE" default:"postgres"`
	SeedFile        string          `envconfig:"SEED_FILE"`
	KafkaBrokers    string          `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaGroupID    string          `envconfig:"KAFKA_GROUP_ID" default:"dropship-gateway"`
	ChangeSource    string          `envconfig:"CHANGE_SOURCE" default:"kafka"`
	CostRatio       decimal.Decimal `envconfig:"COST_RATIO" default:"0.7"`
	TrackingBaseURL string          `envconfig:"TRACKING_BASE_URL" default:"https://track.example.com/"`
	JWTSecret       string          `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer       string          `envconfig:"JWT_ISSUER" default:"dropship-orders"`
	ShutdownTimeout time.Duration   `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	LogLevel        string          `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadGateway() (Gateway, error) {
	var cfg Gateway
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load gateway config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Gateway) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}
	switch c.ChangeSource {
	case ChangeSourceKafka, ChangeSourceLocal:
	case ChangeSourcePostgres:
		if c.Storage != StoragePostgres {
			return fmt.Errorf("CHANGE_SOURCE=postgres requires STORAGE=postgres")
		}
	default:
		return fmt.Errorf("unknown CHANGE_SOURCE %q", c.ChangeSource)
	}
	if c.CostRatio.IsNegative() || c.CostRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("COST_RATIO must be within [0, 1], got %s", c.CostRatio)
	}
	if !strings.HasSuffix(c.TrackingBaseURL, "/") {
		return fmt.Errorf("TRACKING_BASE_URL must end with '/', got %q", c.TrackingBaseURL)
	}
	return nil
}

// Dashboard configures cmd/dashboard.
type Dashboard struct {
	Port             string        `envconfig:"DASHBOARD_PORT" default:"8090"`
	GatewayURL       string        `envconfig:"GATEWAY_URL" default:"http://localhost:8080"`
	RealtimeURL      string        `envconfig:"REALTIME_URL" default:"ws://localhost:8080/realtime"`
	Token            string        `envconfig:"GATEWAY_TOKEN"`
	PageSize         int           `envconfig:"PAGE_SIZE" default:"10"`
	HighlightFor     time.Duration `envconfig:"HIGHLIGHT_FOR" default:"3s"`
	ResubscribeDelay time.Duration `envconfig:"RESUBSCRIBE_DELAY" default:"0s"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	NoticeHistory    int           `envconfig:"NOTICE_HISTORY" default:"100"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadDashboard() (Dashboard, error) {
	var cfg Dashboard
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load dashboard config: %w", err)
	}
	if cfg.PageSize < 1 || cfg.PageSize > models.MaxPageSize {
		return cfg, fmt.Errorf("PAGE_SIZE must be within [1, %d], got %d", models.MaxPageSize, cfg.PageSize)
	}
	return cfg, nil
}
