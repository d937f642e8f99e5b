package config

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const ConfigDirEnvVar = "TRACESTATE_CONFIG_DIR"

type Config struct {
	ChunkNumEvents           int           `mapstructure:"chunkNumEvents"`
	CheckpointSaveInterval   int           `mapstructure:"checkpointSaveInterval"`
	CheckpointOnSuspend      bool          `mapstructure:"checkpointOnSuspend"`
	PersistCheckpoints       bool          `mapstructure:"persistCheckpoints"`
	CheckpointDir            string        `mapstructure:"checkpointDir"`
	LockRetryTimeout         time.Duration `mapstructure:"lockRetryTimeout"`
	StepRetryMaxInterval     time.Duration `mapstructure:"stepRetryMaxInterval"`
	StateCacheSize           int           `mapstructure:"stateCacheSize"`
	LoaderWorkers            int           `mapstructure:"loaderWorkers"`
	LoaderChunkNumEvents     int           `mapstructure:"loaderChunkNumEvents"`
	EnablePrometheusExporter bool          `mapstructure:"prometheusExporterEnabled"`
	MetricsAddress           string        `mapstructure:"metricsAddress"`
}

var defaults = map[string]any{
	"chunkNumEvents":            6000,
	"checkpointSaveInterval":    50000,
	"checkpointOnSuspend":       false,
	"persistCheckpoints":        false,
	"checkpointDir":             "checkpoints",
	"lockRetryTimeout":          5 * time.Second,
	"stepRetryMaxInterval":      500 * time.Millisecond,
	"stateCacheSize":            64,
	"loaderWorkers":             2,
	"loaderChunkNumEvents":      50000,
	"prometheusExporterEnabled": false,
	"metricsAddress":            ":8080",
}

// Default returns the configuration used when no file overrides a key.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// defaults always decode
	_ = v.Unmarshal(&config)
	return config
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (Config, error) {
	return LoadConfigFs(afero.NewOsFs(), path)
}

// LoadConfigFs is LoadConfig reading the config file from fs.
func LoadConfigFs(fs afero.Fs, path string) (Config, error) {
	v := viper.New()
	v.SetFs(fs)
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("json")

	setDefaults(v)

	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err != nil {
		return Config{}, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, err
	}
	return config, config.Validate()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.ChunkNumEvents <= 0 {
		err = multierr.Append(err, fmt.Errorf("chunkNumEvents must be positive, got %d", c.ChunkNumEvents))
	}
	if c.CheckpointSaveInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("checkpointSaveInterval must be positive, got %d", c.CheckpointSaveInterval))
	}
	if c.PersistCheckpoints && c.CheckpointDir == "" {
		err = multierr.Append(err, fmt.Errorf("checkpointDir is required when persistCheckpoints is set"))
	}
	if c.LockRetryTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("lockRetryTimeout must not be negative, got %s", c.LockRetryTimeout))
	}
	if c.StateCacheSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("stateCacheSize must be positive, got %d", c.StateCacheSize))
	}
	if c.LoaderWorkers <= 0 {
		err = multierr.Append(err, fmt.Errorf("loaderWorkers must be positive, got %d", c.LoaderWorkers))
	}
	if c.LoaderChunkNumEvents <= 0 {
		err = multierr.Append(err, fmt.Errorf("loaderChunkNumEvents must be positive, got %d", c.LoaderChunkNumEvents))
	}
	if c.EnablePrometheusExporter && c.MetricsAddress == "" {
		err = multierr.Append(err, fmt.Errorf("metricsAddress is required when prometheusExporterEnabled is set"))
	}
	return err
}
