// Package config loads application configuration from config.yaml and
// IPINTEL_-prefixed environment variables, and initializes the global
// logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Stages    StagesConfig    `yaml:"stages" mapstructure:"stages"`
	Geolite   GeoliteConfig   `yaml:"geolite" mapstructure:"geolite"`
	IPAPI     IPAPIConfig     `yaml:"ipapi" mapstructure:"ipapi"`
	GreyNoise GreyNoiseConfig `yaml:"greynoise" mapstructure:"greynoise"`
	Matchers  MatchersConfig  `yaml:"matchers" mapstructure:"matchers"`
	Bulk      BulkConfig      `yaml:"bulk" mapstructure:"bulk"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the inventory database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// CacheConfig configures the three cache tiers.
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
	Disk  DiskConfig  `yaml:"disk" mapstructure:"disk"`

	// Volatile/stable TTLs per tier, in minutes. Volatile covers TOR and
	// Unknown classifications; stable covers the rest.
	L1VolatileMins int `yaml:"l1_volatile_mins" mapstructure:"l1_volatile_mins"`
	L1StableMins   int `yaml:"l1_stable_mins" mapstructure:"l1_stable_mins"`
	L2VolatileMins int `yaml:"l2_volatile_mins" mapstructure:"l2_volatile_mins"`
	L2StableMins   int `yaml:"l2_stable_mins" mapstructure:"l2_stable_mins"`
	L3VolatileMins int `yaml:"l3_volatile_mins" mapstructure:"l3_volatile_mins"`
	L3StableMins   int `yaml:"l3_stable_mins" mapstructure:"l3_stable_mins"`

	JanitorMins int `yaml:"janitor_mins" mapstructure:"janitor_mins"`
}

// RedisConfig configures the shared L2 tier. An empty address disables
// the tier.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// DiskConfig configures the local L3 tier.
type DiskConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// StagesConfig carries the per-stage freshness windows in hours.
type StagesConfig struct {
	OfflineTTLHours     int    `yaml:"offline_ttl_hours" mapstructure:"offline_ttl_hours"`
	ASNFallbackTTLHours int    `yaml:"asn_fallback_ttl_hours" mapstructure:"asn_fallback_ttl_hours"`
	ReputationTTLHours  int    `yaml:"reputation_ttl_hours" mapstructure:"reputation_ttl_hours"`
	ReputationMerge     string `yaml:"reputation_merge" mapstructure:"reputation_merge"`
}

// GeoliteConfig points at the MaxMind database files.
type GeoliteConfig struct {
	CountryDB string `yaml:"country_db" mapstructure:"country_db"`
	ASNDB     string `yaml:"asn_db" mapstructure:"asn_db"`
}

// IPAPIConfig configures the online ASN fallback service.
type IPAPIConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	RequestsPerMin   int    `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	MaxRetryAttempts int    `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
}

// GreyNoiseConfig configures the reputation source.
type GreyNoiseConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	DailyQuota int    `yaml:"daily_quota" mapstructure:"daily_quota"`
}

// MatchersConfig points at the dataset files and their refresh cadence.
type MatchersConfig struct {
	TorExitFile          string `yaml:"tor_exit_file" mapstructure:"tor_exit_file"`
	CloudRangesFile      string `yaml:"cloud_ranges_file" mapstructure:"cloud_ranges_file"`
	DatacenterRangesFile string `yaml:"datacenter_ranges_file" mapstructure:"datacenter_ranges_file"`
	ResidentialRulesFile string `yaml:"residential_rules_file" mapstructure:"residential_rules_file"`

	TorRefreshMins         int `yaml:"tor_refresh_mins" mapstructure:"tor_refresh_mins"`
	CloudRefreshMins       int `yaml:"cloud_refresh_mins" mapstructure:"cloud_refresh_mins"`
	DatacenterRefreshMins  int `yaml:"datacenter_refresh_mins" mapstructure:"datacenter_refresh_mins"`
	ResidentialRefreshMins int `yaml:"residential_refresh_mins" mapstructure:"residential_refresh_mins"`
}

// BulkConfig configures bulk classification fan-out.
type BulkConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("IPINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("cache.disk.dir", "data/cache")
	v.SetDefault("cache.redis.key_prefix", "ipintel:")
	v.SetDefault("cache.l1_volatile_mins", 15)
	v.SetDefault("cache.l1_stable_mins", 360)
	v.SetDefault("cache.l2_volatile_mins", 120)
	v.SetDefault("cache.l2_stable_mins", 2880)
	v.SetDefault("cache.l3_volatile_mins", 720)
	v.SetDefault("cache.l3_stable_mins", 20160)
	v.SetDefault("cache.janitor_mins", 10)
	v.SetDefault("stages.offline_ttl_hours", 168)
	v.SetDefault("stages.asn_fallback_ttl_hours", 2160)
	v.SetDefault("stages.reputation_ttl_hours", 168)
	v.SetDefault("stages.reputation_merge", "any_malicious")
	v.SetDefault("geolite.country_db", "data/geolite/GeoLite2-Country.mmdb")
	v.SetDefault("geolite.asn_db", "data/geolite/GeoLite2-ASN.mmdb")
	v.SetDefault("ipapi.base_url", "http://ip-api.com")
	v.SetDefault("ipapi.batch_size", 100)
	v.SetDefault("ipapi.requests_per_min", 15)
	v.SetDefault("ipapi.max_retry_attempts", 3)
	v.SetDefault("greynoise.base_url", "https://api.greynoise.io")
	v.SetDefault("greynoise.daily_quota", 50)
	v.SetDefault("matchers.tor_exit_file", "data/matchers/tor-exits.txt")
	v.SetDefault("matchers.cloud_ranges_file", "data/matchers/cloud-ranges.yaml")
	v.SetDefault("matchers.datacenter_ranges_file", "data/matchers/datacenter-ranges.yaml")
	v.SetDefault("matchers.residential_rules_file", "data/matchers/residential-rules.yaml")
	v.SetDefault("matchers.tor_refresh_mins", 60)
	v.SetDefault("matchers.cloud_refresh_mins", 1440)
	v.SetDefault("matchers.datacenter_refresh_mins", 1440)
	v.SetDefault("matchers.residential_refresh_mins", 10080)
	v.SetDefault("bulk.max_concurrent", 16)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
