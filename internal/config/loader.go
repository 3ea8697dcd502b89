// Package config loads pcrbatch settings.
//
// Precedence, highest first: runtime overrides (CLI flags), PCRBATCH_*
// environment variables, the config file, defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/pcrbatch/pkg/awsauth"
	"github.com/3leaps/pcrbatch/pkg/batch"
)

// AppName names the config directory, the data directory and the env prefix.
const AppName = "pcrbatch"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "PCRBATCH_"

// Config is the resolved configuration.
type Config struct {
	Logging LoggingConfig  `mapstructure:"logging"`
	Server  ServerConfig   `mapstructure:"server"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	AWS     awsauth.Config `mapstructure:"aws"`

	// Batch holds defaults merged under every manifest's batch block.
	Batch batch.Config `mapstructure:"batch"`

	// DataDir holds batch snapshots and detached run logs.
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServerConfig configures the status server started by `run --serve`.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SnapshotDir is where batch snapshots live.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "batches")
}

// RunsDir is where detached runs keep their logs.
func (c *Config) RunsDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Defaults sets the default values on v.
func Defaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("data_dir", gfconfig.GetAppDataDir(AppName))
}

// Load resolves the configuration without an explicit config file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile resolves the configuration. An empty path searches the user
// config paths; an explicit path must exist.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	Defaults(v)

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return nil
	}

	for _, candidate := range getUserConfigPaths() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		v.SetConfigFile(candidate)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return fmt.Errorf("read config file %s: %w", candidate, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists config file candidates in search order.
func getUserConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName, "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+AppName+".yaml"))
	}
	return paths
}

var envPaths = map[string]string{
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
	"SERVER_ENABLED":   "server.enabled",
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"METRICS_ENABLED":  "metrics.enabled",
	"AWS_REGION":       "aws.region",
	"AWS_ENDPOINT":     "aws.endpoint",
	"AWS_PROFILE":      "aws.profile",
	"QUEUE":            "batch.queue",
	"IMAGE":            "batch.image",
	"BUCKET":           "batch.bucket",
	"POLL_INTERVAL":    "batch.poll_interval",
	"THROTTLE":         "batch.throttle",
	"GROUP_SIZE":       "batch.group_size",
	"DATA_DIR":         "data_dir",
}

// getEnvSpecs returns the env mappings sorted by variable name.
func getEnvSpecs() []EnvSpec {
	specs := make([]EnvSpec, 0, len(envPaths))
	for suffix, path := range envPaths {
		specs = append(specs, EnvSpec{Name: EnvPrefix + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
