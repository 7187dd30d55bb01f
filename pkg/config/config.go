// Package config loads crmsync settings from a YAML file, CRMSYNC_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crmsync/crmsync/pkg/constants"
)

const EnvPrefix = "CRMSYNC"

type MQTTSettings struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

type Settings struct {
	GraphQLURL string `mapstructure:"graphql_url"`
	SocketURL  string `mapstructure:"socket_url"`
	APIKey     string `mapstructure:"api_key"`
	Token      string `mapstructure:"token"`
	// Demo serves timelines from bundled fixtures and opens no connections.
	Demo             bool          `mapstructure:"demo"`
	TimelinePageSize int           `mapstructure:"timeline_page_size"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	LogLevel         string        `mapstructure:"log_level"`
	MQTT             MQTTSettings  `mapstructure:"mqtt"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("graphql_url", "")
	v.SetDefault("socket_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("token", "")
	v.SetDefault("demo", false)
	v.SetDefault("timeline_page_size", constants.TimelinePageSize)
	v.SetDefault("request_timeout", constants.DefaultRequestTimeout)
	v.SetDefault("cache_ttl", time.Duration(0))
	v.SetDefault("log_level", "info")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "crmsync")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.prefix", "crmsync")
}

// NewViper returns a viper instance with defaults set and environment
// variables bound: key "mqtt.broker" reads CRMSYNC_MQTT_BROKER.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, or searches the default locations when
// path is empty, and returns the validated settings.
func Load(path string) (*Settings, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// ReadFile reads path into v. With an empty path it looks for crmsync.yaml in
// the user config directory and the working directory; finding none is not
// an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("crmsync")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "crmsync"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	var problems []string

	if !s.Demo && s.GraphQLURL == "" {
		problems = append(problems, "graphql_url is required unless demo is set")
	}
	problems = append(problems, checkURL("graphql_url", s.GraphQLURL, constants.HTTPScheme, constants.HTTPSecureScheme)...)
	problems = append(problems, checkURL("socket_url", s.SocketURL, constants.WebsocketScheme, constants.SecureWebsocketScheme)...)
	if s.TimelinePageSize <= 0 {
		problems = append(problems, "timeline_page_size must be positive")
	}
	if s.RequestTimeout < 0 {
		problems = append(problems, "request_timeout must not be negative")
	}
	if s.CacheTTL < 0 {
		problems = append(problems, "cache_ttl must not be negative")
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", s.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) []string {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return []string{fmt.Sprintf("%s %q is not an absolute url", key, raw)}
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return []string{fmt.Sprintf("%s scheme must be one of %s", key, strings.Join(schemes, ", "))}
}
