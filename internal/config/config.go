package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Log         Log
	HTTP        HTTPServer `envPrefix:"HTTP_"`
	DB          Database   `envPrefix:"DB_"`
	Gateway     Gateway    `envPrefix:"GATEWAY_"`
	Registry    Registry   `envPrefix:"REGISTRY_"`
	Storage     Storage    `envPrefix:"STORAGE_"`
	Mail        Mail       `envPrefix:"MAIL_"`
	Worker      Worker     `envPrefix:"WORKER_"`
	// LockBackend selects the per-order lock: "postgres" (advisory locks) or "memory".
	LockBackend string `env:"LOCK_BACKEND" envDefault:"postgres"`
	// LockTimeout bounds the wait for an order's lock; past it the call fails with ErrOrderBusy.
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"15s"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host         string   `env:"HOST" envDefault:"0.0.0.0"`
	Port         string   `env:"PORT" envDefault:"8080"`
	AllowOrigins []string `env:"ALLOW_ORIGINS" envSeparator:"," envDefault:"http://localhost:4200"`
}

func (h HTTPServer) Addr() string {
	return h.Host + ":" + h.Port
}

type Database struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	Database string `env:"DATABASE" envDefault:"saf_broker"`
	Username string `env:"USERNAME" envDefault:"postgres"`
	Password string `env:"PASSWORD"`
	Schema   string `env:"SCHEMA" envDefault:"public"`
	MaxConns int    `env:"MAX_CONNS" envDefault:"20"`
	// LockConns bounds the separate pool for advisory lock sessions, and so the
	// number of orders worked on at once by this process.
	LockConns int `env:"LOCK_CONNS" envDefault:"4"`
}

func (d Database) URL() string {
	q := url.Values{}
	q.Set("sslmode", "disable")
	q.Set("search_path", d.Schema)
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

type Gateway struct {
	// Provider is "stripe" for the REST client or "simulator" for the in-process gateway.
	Provider    string        `env:"PROVIDER" envDefault:"simulator"`
	BaseURL     string        `env:"BASE_URL" envDefault:"https://api.stripe.com"`
	SecretKey   string        `env:"SECRET_KEY"`
	SuccessURL  string        `env:"SUCCESS_URL" envDefault:"http://localhost:4200/orders/success?session_id={CHECKOUT_SESSION_ID}"`
	CancelURL   string        `env:"CANCEL_URL" envDefault:"http://localhost:4200/orders/cancel"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"3s"`
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"1s"`
}

type Registry struct {
	Enabled bool          `env:"ENABLED" envDefault:"false"`
	BaseURL string        `env:"BASE_URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"3s"`
}

type Storage struct {
	// Backend is "file" (local directory) or "http" (PUT to a blob endpoint).
	Backend   string        `env:"BACKEND" envDefault:"file"`
	Dir       string        `env:"DIR" envDefault:"./certificates"`
	PublicURL string        `env:"PUBLIC_URL" envDefault:"http://localhost:8080/certificates"`
	BlobURL   string        `env:"BLOB_URL"`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"3s"`
}

type Mail struct {
	// DevMode logs messages instead of sending them.
	DevMode     bool          `env:"DEV_MODE" envDefault:"true"`
	Host        string        `env:"HOST" envDefault:"localhost"`
	Port        int           `env:"PORT" envDefault:"587"`
	Username    string        `env:"USERNAME"`
	Password    string        `env:"PASSWORD"`
	From        string        `env:"FROM" envDefault:"noreply@saf-broker.com"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5s"`
	MaxInFlight int64         `env:"MAX_IN_FLIGHT" envDefault:"16"`
	OrdersURL   string        `env:"ORDERS_URL" envDefault:"http://localhost:4200/orders"`
}

type Worker struct {
	Interval   time.Duration `env:"INTERVAL" envDefault:"30s"`
	StaleAfter time.Duration `env:"STALE_AFTER" envDefault:"10m"`
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"50"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load() (*Config, error) {
	// a missing .env is fine outside development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
