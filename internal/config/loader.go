// Package config loads regsync settings from config.yaml and REGSYNC_* environment variables.
package config

import (
	"strings"

	"github.com/rpattn/regsync/internal/archive"
	"github.com/rpattn/regsync/internal/db"

	"github.com/go-faster/errors"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Database  db.Config
	Reconcile ReconcileConfig
	Archive   archive.Config
	Log       LogConfig
	HTTP      HTTPConfig
}

// ReconcileConfig tunes the engine.
type ReconcileConfig struct {
	BatchSize    int
	InsertSample int
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string
	Format string
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", 5)

	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.insert_sample", 10)

	v.SetDefault("archive.driver", string(archive.DriverFS))
	v.SetDefault("archive.fs.root", "./data/archive")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.path_style", false)
	v.SetDefault("archive.preview_lines", archive.DefaultPreviewLines)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:3000"})
}

// Load reads config.yaml from configPath when present. Environment variables
// such as REGSYNC_DATABASE_HOST override file values.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("REGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config")
		}
	}

	cfg := Config{
		Database: db.Config{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Reconcile: ReconcileConfig{
			BatchSize:    v.GetInt("reconcile.batch_size"),
			InsertSample: v.GetInt("reconcile.insert_sample"),
		},
		Archive: archive.Config{
			Driver: archive.Driver(v.GetString("archive.driver")),
			FSRoot: v.GetString("archive.fs.root"),
			S3: archive.S3Config{
				Region:          v.GetString("archive.s3.region"),
				Bucket:          v.GetString("archive.s3.bucket"),
				Endpoint:        v.GetString("archive.s3.endpoint"),
				AccessKeyID:     v.GetString("archive.s3.access_key_id"),
				SecretAccessKey: v.GetString("archive.s3.secret_access_key"),
				PathStyle:       v.GetBool("archive.s3.path_style"),
			},
			PreviewLines: v.GetInt("archive.preview_lines"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			AllowedOrigins: splitList(v.GetStringSlice("http.allowed_origins")),
		},
	}

	if cfg.Reconcile.BatchSize <= 0 {
		return Config{}, errors.Errorf("reconcile.batch_size must be positive, got %d", cfg.Reconcile.BatchSize)
	}
	if cfg.Reconcile.InsertSample < 0 {
		return Config{}, errors.Errorf("reconcile.insert_sample must not be negative, got %d", cfg.Reconcile.InsertSample)
	}
	return cfg, nil
}

// LoadDBConfig returns only the database section.
func LoadDBConfig(configPath string) (db.Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return db.Config{}, err
	}
	return cfg.Database, nil
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
