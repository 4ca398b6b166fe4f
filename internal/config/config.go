package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileName is the name of the JSON config file looked up by Load.
const ConfigFileName = "locsync.cfg.json"

// SyncConfig holds the timing of the orchestrator's scheduled tasks.
type SyncConfig struct {
	RefreshInterval       time.Duration
	SweepInterval         time.Duration
	UploadInterval        time.Duration
	SignalBuffer          int
	ConnectivityThreshold int
}

// FeedConfig holds realtime change-feed settings.
type FeedConfig struct {
	URL        string
	MaxBackoff time.Duration
}

// SQLiteConfig holds settings for the SQLite storage backend.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// RESTConfig holds settings for the hosted REST storage backend.
type RESTConfig struct {
	ServerURL string
	APIKey    string
}

// StorageConfig selects and configures the relational store.
type StorageConfig struct {
	Type   string // memory, sqlite, postgres, rest
	SQLite SQLiteConfig
	REST   RESTConfig
}

// PhotosConfig holds avatar fetch settings.
type PhotosConfig struct {
	CloudName string
	CacheSize int
	Timeout   time.Duration
}

// InfluxConfig holds InfluxDB settings for sync statistics.
type InfluxConfig struct {
	Enabled    bool
	Protocol   string
	Host       string
	Port       string
	Token      string
	Org        string
	Bucket     string
	BackupPath string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(ConfigFileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	viper.SetEnvPrefix("LOCSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./locsynclogs")

	viper.SetDefault("sync.refreshInterval", "30s")
	viper.SetDefault("sync.sweepInterval", "15s")
	viper.SetDefault("sync.uploadInterval", "5s")
	viper.SetDefault("sync.signalBuffer", 64)
	viper.SetDefault("sync.connectivityThreshold", 3)

	viper.SetDefault("feed.url", "ws://localhost:8099/realtime")
	viper.SetDefault("feed.maxBackoff", "30s")

	viper.SetDefault("api.serverUrl", "http://localhost:8099")
	viper.SetDefault("api.apiKey", "")

	viper.SetDefault("auth.token", "")
	viper.SetDefault("auth.secret", "")
	viper.SetDefault("auth.userId", "")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.sqlite.path", "")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "locsync")

	viper.SetDefault("photos.cloudName", "")
	viper.SetDefault("photos.cacheSize", 128)
	viper.SetDefault("photos.timeout", "10s")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "locsync")
	viper.SetDefault("influx.bucket", "map_sync")
	viper.SetDefault("influx.backupPath", "./locsynclogs/influx_backup.log.gzip")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "locsync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetSyncConfig returns the orchestrator timing configuration.
func GetSyncConfig() SyncConfig {
	return SyncConfig{
		RefreshInterval:       viper.GetDuration("sync.refreshInterval"),
		SweepInterval:         viper.GetDuration("sync.sweepInterval"),
		UploadInterval:        viper.GetDuration("sync.uploadInterval"),
		SignalBuffer:          viper.GetInt("sync.signalBuffer"),
		ConnectivityThreshold: viper.GetInt("sync.connectivityThreshold"),
	}
}

// GetFeedConfig returns the realtime feed configuration.
func GetFeedConfig() FeedConfig {
	return FeedConfig{
		URL:        viper.GetString("feed.url"),
		MaxBackoff: viper.GetDuration("feed.maxBackoff"),
	}
}

// GetStorageConfig returns the storage backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		SQLite: SQLiteConfig{
			Path: viper.GetString("storage.sqlite.path"),
		},
		REST: RESTConfig{
			ServerURL: viper.GetString("api.serverUrl"),
			APIKey:    viper.GetString("api.apiKey"),
		},
	}
}

// GetPhotosConfig returns the avatar fetch configuration.
func GetPhotosConfig() PhotosConfig {
	return PhotosConfig{
		CloudName: viper.GetString("photos.cloudName"),
		CacheSize: viper.GetInt("photos.cacheSize"),
		Timeout:   viper.GetDuration("photos.timeout"),
	}
}

// GetInfluxConfig returns the InfluxDB configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		Protocol:   viper.GetString("influx.protocol"),
		Host:       viper.GetString("influx.host"),
		Port:       viper.GetString("influx.port"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		Bucket:     viper.GetString("influx.bucket"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}
