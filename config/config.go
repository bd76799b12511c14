package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	CoordinatorURL string        `mapstructure:"coordinator_url"`
	SfuURL         string        `mapstructure:"sfu_url"`
	APIKey         string        `mapstructure:"api_key"`
	StunServers    []string      `mapstructure:"stun_servers"`
	Debounce       time.Duration `mapstructure:"debounce"`
	RPCTimeout     time.Duration `mapstructure:"rpc_timeout"`
	WriteDeadline  time.Duration `mapstructure:"write_deadline"`
	Backoff        time.Duration `mapstructure:"backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	LogLevel       string        `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("coordinator_url", "wss://video.example.com/connect")
	v.SetDefault("sfu_url", "wss://sfu.example.com/signal")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("debounce", "250ms")
	v.SetDefault("rpc_timeout", "10s")
	v.SetDefault("write_deadline", "5s")
	v.SetDefault("backoff", "500ms")
	v.SetDefault("max_backoff", "30s")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
