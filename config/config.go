package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the gateway node configuration, read from a YAML file with
// environment overrides (CHATWIRE_ prefix, dots become underscores).
type Config struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	GatewayID string `mapstructure:"gateway_id"`

	JWT struct {
		Secret string        `mapstructure:"secret"`
		Alg    string        `mapstructure:"alg"`
		TTL    time.Duration `mapstructure:"ttl"`
	} `mapstructure:"jwt"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Mongo struct {
		URI        string `mapstructure:"uri"`
		Database   string `mapstructure:"database"`
		Collection string `mapstructure:"collection"`
	} `mapstructure:"mongo"`

	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`

	PresenceTTL time.Duration `mapstructure:"presence_ttl"`

	// MemStore swaps Redis and Mongo for the in-process store; meant for
	// local development and the client demo.
	MemStore bool `mapstructure:"mem_store"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("gateway_id", "gw-1")
	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.ttl", "24h")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("mongo.database", "chatwire")
	v.SetDefault("mongo.collection", "messages")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("presence_ttl", "60s")
	v.SetDefault("mem_store", false)
}

// Read loads the configuration from configPath. An empty path uses
// defaults and environment overrides only.
func Read(configPath string) (Config, error) {
	var cfg Config

	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("CHATWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrap(err, "read config file")
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshal config")
	}
	if cfg.JWT.Secret == "" {
		return cfg, errors.New("jwt.secret is required")
	}
	return cfg, nil
}

// MustRead loads the configuration or panics. Composition-root use only.
func MustRead(configPath string) Config {
	cfg, err := Read(configPath)
	if err != nil {
		panic(errors.Wrap(err, "load config"))
	}
	return cfg
}
