package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

type Config struct {
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout" default:"5s"`
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count" default:"5"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay" default:"2s"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseFilePath          string        `koanf:"database_file_path" required:"true"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries" default:"5"`
	SchemaGeneration          int           `koanf:"schema_generation" default:"1"`
	StorageQuotaBytes         int64         `koanf:"storage_quota_bytes" default:"536870912"`

	ServerHost string `koanf:"server_host" default:"127.0.0.1"`
	ServerPort int    `koanf:"server_port" default:"3690"`

	RemoteBaseURL  string        `koanf:"remote_base_url" required:"true"`
	RequestTimeout time.Duration `koanf:"request_timeout" default:"20s"`
	SessionToken   string        `koanf:"session_token"`

	CacheDir          string `koanf:"cache_dir" default:"./tmp/cache"`
	CacheGeneration   string `koanf:"cache_generation" default:"v1"`
	CacheMaxSizeBytes int64  `koanf:"cache_max_size_bytes" default:"104857600"`

	ConnectivityProbeInterval time.Duration `koanf:"connectivity_probe_interval" default:"15s"`

	CoverMaxDimension     int     `koanf:"cover_max_dimension" default:"600"`
	DownloadMaxConcurrent int     `koanf:"download_max_concurrent" default:"2"`
	DownloadRatePerSecond float64 `koanf:"download_rate_per_second" default:"4"`

	SyncBackoffBase time.Duration `koanf:"sync_backoff_base" default:"2s"`
	SyncBackoffMax  time.Duration `koanf:"sync_backoff_max" default:"5m"`
	SyncInterval    time.Duration `koanf:"sync_interval" default:"60s"`
	SyncMaxAttempts int           `koanf:"sync_max_attempts" default:"5"`
	SyncPassTimeout time.Duration `koanf:"sync_pass_timeout" default:"60s"`
}

const (
	configFileENV  = "CONFIG_FILE"
	environmentENV = "ENVIRONMENT"

	defaultConfigFile = "/config/potha.yaml"
)

// New loads the config from defaults, then the YAML config file (if it
// exists), then environment variables. Later sources win.
func New() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")

	configFile := os.Getenv(configFileENV)
	if configFile == "" {
		configFile = defaultConfigFile
	}
	if _, err := os.Stat(configFile); err == nil {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file: %s", configFile)
		}
	}

	known := knownKeys()
	err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if _, ok := known[key]; !ok {
			return ""
		}
		return key
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load environment config")
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errors.WithStack(err)
	}

	if os.Getenv(environmentENV) == "development" {
		loadDevelopmentConfig(cfg)
	}

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewForTest returns a config with defaults applied and an in-memory
// database, without reading the environment.
func NewForTest() *Config {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	cfg.DatabaseFilePath = ":memory:"
	cfg.RemoteBaseURL = "http://127.0.0.1:0"
	cfg.CacheDir = os.TempDir()
	return cfg
}

func knownKeys() map[string]struct{} {
	keys := map[string]struct{}{}
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		keys[t.Field(i).Tag.Get("koanf")] = struct{}{}
	}
	return keys
}

func validateRequired(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	var missing []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Tag.Get("required") != "true" {
			continue
		}
		if v.Field(i).IsZero() {
			key := toSnakeCase(field.Name)
			missing = append(missing, strings.ToUpper(key)+" ("+key+")")
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

func toSnakeCase(s string) string {
	return strcase.ToSnake(s)
}
