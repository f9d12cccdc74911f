package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		Store     Store     `envPrefix:"STORE_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		Preload   Preload   `envPrefix:"PRELOAD_"`
		Fetch     Fetch     `envPrefix:"FETCH_"`
	}

	HTTP struct {
		Server Server `envPrefix:"SERVER_"`
	}

	Server struct {
		Port         string        `env:"PORT" envDefault:"8080"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level string `env:"LEVEL" envDefault:"info"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"tilecache"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	// Store selects and parameterizes the persistence backend for tile
	// records. Type is one of: memory, sqlite, filesystem, badger, redis.
	Store struct {
		Type          string `env:"TYPE" envDefault:"sqlite"`
		SQLitePath    string `env:"SQLITE_PATH" envDefault:"tilecache.db"`
		FilesystemDir string `env:"FILESYSTEM_DIR" envDefault:"tilecache-data"`
		BadgerDir     string `env:"BADGER_DIR" envDefault:"tilecache-badger"`
		Redis         Redis  `envPrefix:"REDIS_"`
	}

	Redis struct {
		Addr     string `env:"ADDR" envDefault:"localhost:6379"`
		Password string `env:"PASSWORD" envDefault:""`
		DB       int    `env:"DB" envDefault:"0"`
	}

	Cache struct {
		// MaxBytes is the byte budget enforced after every write. A value
		// persisted through the settings API overrides this on restart.
		MaxBytes int64 `env:"MAX_BYTES" envDefault:"104857600"`
		Offline  bool  `env:"OFFLINE" envDefault:"false"`
	}

	Preload struct {
		Enabled           bool    `env:"ENABLED" envDefault:"true"`
		Provider          string  `env:"PROVIDER" envDefault:"osm"`
		BatchSize         int     `env:"BATCH_SIZE" envDefault:"10"`
		ZoomBelow         int     `env:"ZOOM_BELOW" envDefault:"2"`
		ZoomAbove         int     `env:"ZOOM_ABOVE" envDefault:"1"`
		MovementThreshold float64 `env:"MOVEMENT_THRESHOLD" envDefault:"0.01"`
	}

	Fetch struct {
		Timeout   time.Duration `env:"TIMEOUT" envDefault:"15s"`
		UserAgent string        `env:"USER_AGENT" envDefault:"tilecache/1.0 (+https://github.com/pioxmdr920415/tilecache)"`
		Referer   string        `env:"REFERER" envDefault:""`
		// RateLimit caps upstream requests per second across all providers.
		// Zero disables the limiter.
		RateLimit float64 `env:"RATE_LIMIT" envDefault:"0"`
		RateBurst int     `env:"RATE_BURST" envDefault:"1"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
