package config

import (
	"fmt"
	"runtime"
	"time"
)

// DatabaseConfig holds connection settings for the staging store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// IngestConfig bounds the streaming reader.
type IngestConfig struct {
	MaxRows          int
	MaxCells         int
	MaxErrors        int
	BatchSize        int
	CheckpointEvery  int
	ProgressInterval int
}

// ValidationConfig bounds the batch validation engine.
type ValidationConfig struct {
	PartitionThreshold int
	PartitionSize      int
	MaxConcurrent      int
	StepTimeout        time.Duration
}

// ApplyConfig bounds the apply engine's retry behaviour.
type ApplyConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// OutputConfig carries the strategy thresholds and the export directory.
// Thresholds are row and cell counts; each strategy's ceiling must not be
// below the previous one's so every size maps to exactly one strategy.
type OutputConfig struct {
	InMemoryMaxRows  int
	InMemoryMaxCells int
	StreamMaxRows    int
	StreamMaxCells   int
	WindowSize       int
	Directory        string
}

// ServerConfig holds the HTTP boundary settings.
type ServerConfig struct {
	Addr       string
	JobTimeout time.Duration
}

// Config is the immutable process configuration, validated once at load.
type Config struct {
	Database      DatabaseConfig
	Ingest        IngestConfig
	Validation    ValidationConfig
	Apply         ApplyConfig
	Output        OutputConfig
	Server        ServerConfig
	TemplatesPath string
}

// Default returns the built-in configuration used when no file or
// environment overrides are present.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "admin",
			DBName:   "bulkstage",
			SSLMode:  "disable",
		},
		Ingest: IngestConfig{
			MaxRows:          1_000_000,
			MaxCells:         50_000_000,
			MaxErrors:        10_000,
			BatchSize:        1_000,
			CheckpointEvery:  1_000,
			ProgressInterval: 10_000,
		},
		Validation: ValidationConfig{
			PartitionThreshold: 200_000,
			PartitionSize:      50_000,
			MaxConcurrent:      runtime.NumCPU(),
			StepTimeout:        5 * time.Minute,
		},
		Apply: ApplyConfig{
			MaxRetries:   3,
			RetryBackoff: 2 * time.Second,
		},
		Output: OutputConfig{
			InMemoryMaxRows:  50_000,
			InMemoryMaxCells: 500_000,
			StreamMaxRows:    500_000,
			StreamMaxCells:   5_000_000,
			WindowSize:       1_000,
			Directory:        "./exports",
		},
		Server: ServerConfig{
			Addr:       ":8080",
			JobTimeout: 2 * time.Hour,
		},
		TemplatesPath: "./templates",
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c Config) Validate() error {
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest batch size must be positive, got %d", c.Ingest.BatchSize)
	}
	if c.Ingest.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint interval must be positive, got %d", c.Ingest.CheckpointEvery)
	}
	if c.Ingest.MaxRows <= 0 {
		return fmt.Errorf("max rows must be positive, got %d", c.Ingest.MaxRows)
	}
	if c.Validation.PartitionSize <= 0 {
		return fmt.Errorf("validation partition size must be positive, got %d", c.Validation.PartitionSize)
	}
	if c.Validation.MaxConcurrent <= 0 {
		return fmt.Errorf("validation concurrency must be positive, got %d", c.Validation.MaxConcurrent)
	}
	if c.Validation.StepTimeout <= 0 {
		return fmt.Errorf("validation step timeout must be positive, got %s", c.Validation.StepTimeout)
	}
	if c.Apply.MaxRetries < 0 {
		return fmt.Errorf("apply retries must not be negative, got %d", c.Apply.MaxRetries)
	}
	if c.Output.InMemoryMaxRows <= 0 || c.Output.StreamMaxRows <= 0 {
		return fmt.Errorf("output row thresholds must be positive")
	}
	// Monotonic thresholds: the streaming ceiling must sit at or above the
	// in-memory ceiling, otherwise a band of sizes would match no strategy.
	if c.Output.StreamMaxRows < c.Output.InMemoryMaxRows {
		return fmt.Errorf("stream row threshold %d below in-memory threshold %d",
			c.Output.StreamMaxRows, c.Output.InMemoryMaxRows)
	}
	if c.Output.StreamMaxCells < c.Output.InMemoryMaxCells {
		return fmt.Errorf("stream cell threshold %d below in-memory threshold %d",
			c.Output.StreamMaxCells, c.Output.InMemoryMaxCells)
	}
	if c.Output.WindowSize <= 0 {
		return fmt.Errorf("output window size must be positive, got %d", c.Output.WindowSize)
	}
	return nil
}
