// Package config loads the handful of settings the core reads once
// at startup, via viper bound to the CLI's flags and environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every setting the core consumes. The ambient knobs
// (SupervisorIntervalSeconds, HTTPTimeoutSeconds) are operational
// defaults, not part of the provider contract, but are still
// configurable.
type Config struct {
	AgencyTag string `mapstructure:"agency"`
	APIURL    string `mapstructure:"api-url"`

	DaySwitchTime                   int `mapstructure:"day-switch-time"`
	PredictionUpdateSeconds         int `mapstructure:"prediction-update-seconds"`
	DuplicateArrivalThreshold       int `mapstructure:"duplicate-arrival-threshold"`
	SingleScheduledArrivalThreshold int `mapstructure:"single-scheduled-arrival-threshold"`

	SupervisorIntervalSeconds int `mapstructure:"supervisor-interval-seconds"`
	HTTPTimeoutSeconds        int `mapstructure:"http-timeout-seconds"`
}

func (c Config) UpdateInterval() time.Duration {
	return time.Duration(c.PredictionUpdateSeconds) * time.Second
}

func (c Config) SupervisorInterval() time.Duration {
	return time.Duration(c.SupervisorIntervalSeconds) * time.Second
}

// BindFlags registers the flags a cobra command exposes, so that
// viper's precedence order (flag > env > config file > default)
// applies uniformly.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetDefault("api-url", "http://webservices.nextbus.com/service/publicJSONFeed")
	v.SetDefault("day-switch-time", 10800) // 03:00
	v.SetDefault("prediction-update-seconds", 30)
	v.SetDefault("duplicate-arrival-threshold", 300)
	v.SetDefault("single-scheduled-arrival-threshold", 3600)
	v.SetDefault("supervisor-interval-seconds", 60)
	v.SetDefault("http-timeout-seconds", 15)

	v.SetEnvPrefix("muni")
	replacer := strings.NewReplacer("-", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	return v.BindPFlags(flags)
}

// Load reads bound flags, environment, and defaults into a Config.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
