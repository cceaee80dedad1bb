package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

var configSearchPaths = []string{"./configs", "../configs", "../../configs"}

// loadYAMLConfig loads operational configuration from YAML files based on the environment.
// It first loads defaults.yaml, then overlays environment-specific configuration
// (local.yaml, nonprod.yaml, or prod.yaml).
func loadYAMLConfig(env Environment) (*viper.Viper, error) {
	v := newYAMLViper("defaults")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read defaults config: %w", err)
	}

	var envConfigFile string
	switch env {
	case NonProd:
		envConfigFile = "nonprod"
	case Prod:
		envConfigFile = "prod"
	default:
		envConfigFile = "local"
	}

	envViper := newYAMLViper(envConfigFile)
	if err := envViper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read %s config: %w", envConfigFile, err)
		}
		return v, nil
	}

	if err := v.MergeConfigMap(envViper.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to merge environment config: %w", err)
	}

	return v, nil
}

func newYAMLViper(name string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(name)
	for _, p := range configSearchPaths {
		v.AddConfigPath(p)
	}
	return v
}

// applyYAML copies YAML operational settings into the config. An explicitly
// set environment variable always wins over the YAML value.
func (c *Config) applyYAML(v *viper.Viper) {
	if v.IsSet("oauth2.supported_scopes") && !envSet("OAUTH2_SUPPORTED_SCOPES") {
		c.OAuth2.SupportedScopes = v.GetStringSlice("oauth2.supported_scopes")
	}
	if v.IsSet("oauth2.access_token_expiry") && !envSet("OAUTH2_ACCESS_TOKEN_EXPIRY") {
		c.OAuth2.AccessTokenExpiry = v.GetDuration("oauth2.access_token_expiry")
	}
	if v.IsSet("oauth2.id_token_expiry") && !envSet("OAUTH2_ID_TOKEN_EXPIRY") {
		c.OAuth2.IDTokenExpiry = v.GetDuration("oauth2.id_token_expiry")
	}
	if v.IsSet("oauth2.refresh_token_expiry") && !envSet("OAUTH2_REFRESH_TOKEN_EXPIRY") {
		c.OAuth2.RefreshTokenExpiry = v.GetDuration("oauth2.refresh_token_expiry")
	}
	if v.IsSet("security.rate_limit_rps") && !envSet("SECURITY_RATE_LIMIT_RPS") {
		c.Security.RateLimitRPS = v.GetInt("security.rate_limit_rps")
	}
	if v.IsSet("security.rate_limit_burst") && !envSet("SECURITY_RATE_LIMIT_BURST") {
		c.Security.RateLimitBurst = v.GetInt("security.rate_limit_burst")
	}
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}
