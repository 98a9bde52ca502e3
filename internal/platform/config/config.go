package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Central  CentralConfig  `mapstructure:"central"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type CentralConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig points at the config directory holding everything the
// agent needs to resume after a restart: the sqlite ledger, the RSA
// key pair, and the central-service credentials file.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

func (s StorageConfig) DatabasePath() string    { return filepath.Join(s.Path, "storage.db") }
func (s StorageConfig) PrivateKeyPath() string  { return filepath.Join(s.Path, "private.pem") }
func (s StorageConfig) PublicKeyPath() string   { return filepath.Join(s.Path, "public.pem") }
func (s StorageConfig) CredentialsPath() string { return filepath.Join(s.Path, "credentials") }

type StreamConfig struct {
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type DeliveryConfig struct {
	ForwardTimeout  time.Duration `mapstructure:"forward_timeout"`
	WorkerCount     int           `mapstructure:"worker_count"`
	RetryMinBackoff time.Duration `mapstructure:"retry_min_backoff"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EQAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine, the defaults stand.
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, err
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s") // the monitor feed keeps the write side open

	v.SetDefault("central.url", "http://localhost:8000")
	v.SetDefault("central.request_timeout", "30s")

	v.SetDefault("storage.path", "config")

	v.SetDefault("stream.reconnect_delay", "30s")

	v.SetDefault("delivery.forward_timeout", "10s")
	v.SetDefault("delivery.worker_count", 4)
	v.SetDefault("delivery.retry_min_backoff", "5s")
	v.SetDefault("delivery.retry_max_backoff", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
}
