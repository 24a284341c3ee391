package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load reads config.yaml from configPath, applies environment overrides
// (prefix BULKSTAGE, e.g. BULKSTAGE_DATABASE_HOST), and validates the
// result. Missing files are fine; defaults plus env vars apply.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("BULKSTAGE")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	applyString(v, "database.host", &cfg.Database.Host)
	applyInt(v, "database.port", &cfg.Database.Port)
	applyString(v, "database.user", &cfg.Database.User)
	applyString(v, "database.password", &cfg.Database.Password)
	applyString(v, "database.dbname", &cfg.Database.DBName)
	applyString(v, "database.sslmode", &cfg.Database.SSLMode)

	applyInt(v, "ingest.max_rows", &cfg.Ingest.MaxRows)
	applyInt(v, "ingest.max_cells", &cfg.Ingest.MaxCells)
	applyInt(v, "ingest.max_errors", &cfg.Ingest.MaxErrors)
	applyInt(v, "ingest.batch_size", &cfg.Ingest.BatchSize)
	applyInt(v, "ingest.checkpoint_every", &cfg.Ingest.CheckpointEvery)
	applyInt(v, "ingest.progress_interval", &cfg.Ingest.ProgressInterval)

	applyInt(v, "validation.partition_threshold", &cfg.Validation.PartitionThreshold)
	applyInt(v, "validation.partition_size", &cfg.Validation.PartitionSize)
	applyInt(v, "validation.max_concurrent", &cfg.Validation.MaxConcurrent)
	applyDuration(v, "validation.step_timeout", &cfg.Validation.StepTimeout)

	applyInt(v, "apply.max_retries", &cfg.Apply.MaxRetries)
	applyDuration(v, "apply.retry_backoff", &cfg.Apply.RetryBackoff)

	applyInt(v, "output.in_memory_max_rows", &cfg.Output.InMemoryMaxRows)
	applyInt(v, "output.in_memory_max_cells", &cfg.Output.InMemoryMaxCells)
	applyInt(v, "output.stream_max_rows", &cfg.Output.StreamMaxRows)
	applyInt(v, "output.stream_max_cells", &cfg.Output.StreamMaxCells)
	applyInt(v, "output.window_size", &cfg.Output.WindowSize)
	applyString(v, "output.directory", &cfg.Output.Directory)

	applyString(v, "server.addr", &cfg.Server.Addr)
	applyDuration(v, "server.job_timeout", &cfg.Server.JobTimeout)

	applyString(v, "templates_path", &cfg.TemplatesPath)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func applyInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func applyDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}
