// Package config loads the kelvin configuration from a TOML document
// overlaid with environment variables (prefix KELVIN, separator __).
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/kelvinbot/kelvin/internal/bus"
)

const (
	EnvPrefix    = "KELVIN"
	EnvSeparator = "__"
)

// Recognized service kinds. Anything else materializes as the Unknown
// sentinel and is skipped at instantiation with a warning.
const (
	ServiceDummy     = "dummy"
	ServiceDiscord   = "discord"
	ServiceTelegram  = "telegram"
	ServiceMatrix    = "matrix"
	ServiceWebsocket = "websocket"
	ServiceUnknown   = "unknown"
)

// Recognized middleware kinds.
const (
	MiddlewareEcho            = "echo"
	MiddlewareInvite          = "invite"
	MiddlewareLogger          = "logger"
	MiddlewareChatRelay       = "chatrelay"
	MiddlewareAttendanceRelay = "attendancerelay"
	MiddlewarePoster          = "poster"
	MiddlewareUnknown         = "unknown"
)

// Config is the root configuration document.
type Config struct {
	DataDirectory string                      `mapstructure:"data_directory"`
	Reconnection  ReconnectionSettings        `mapstructure:"reconnection"`
	Telemetry     TelemetrySettings           `mapstructure:"telemetry"`
	Services      map[string]ServiceConfig    `mapstructure:"services"`
	Middlewares   map[string]MiddlewareConfig `mapstructure:"middlewares"`
}

// ReconnectionSettings tunes supervised service restarts.
type ReconnectionSettings struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
}

// ToBus converts the settings into the bus representation.
func (r ReconnectionSettings) ToBus() bus.ReconnectionConfig {
	return bus.ReconnectionConfig{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		JitterFactor: r.JitterFactor,
	}
}

// TelemetrySettings configures optional OTLP trace export.
type TelemetrySettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Protocol    string `mapstructure:"protocol"` // "grpc" (default) or "http"
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// MiddlewareList is a per-service pipeline reference list. It decodes from
// either a list of strings or a comma-separated string; entries are trimmed
// and empties dropped.
type MiddlewareList []string

// ServiceConfig is one entry of the services table. Kind-specific fields
// are flattened; each kind reads only its own.
type ServiceConfig struct {
	Kind       string         `mapstructure:"kind"`
	Middleware MiddlewareList `mapstructure:"middleware"`

	// dummy
	Interval time.Duration `mapstructure:"interval"`

	// discord / telegram
	Token string `mapstructure:"token"`

	// discord
	GuildID         string `mapstructure:"guild_id"`
	VoiceChannelID  string `mapstructure:"voice_channel_id"`
	InviteChannelID string `mapstructure:"invite_channel_id"`

	// matrix
	HomeserverURL string `mapstructure:"homeserver_url"`
	UserID        string `mapstructure:"user_id"`
	Password      string `mapstructure:"password"`
	DeviceID      string `mapstructure:"device_id"`

	// websocket
	URL string `mapstructure:"url"`
}

// MiddlewareConfig is one entry of the middlewares table.
type MiddlewareConfig struct {
	Kind string `mapstructure:"kind"`

	// echo / invite
	Command string `mapstructure:"command"`

	// invite
	UsesAllowed int           `mapstructure:"uses_allowed"`
	Expiry      time.Duration `mapstructure:"expiry"`

	// chatrelay / attendancerelay / poster
	SourceService string `mapstructure:"source_service"`
	SourceRoom    string `mapstructure:"source_room"`
	DestService   string `mapstructure:"dest_service"`
	DestRoom      string `mapstructure:"dest_room"`

	// chatrelay
	PrefixTag string `mapstructure:"prefix_tag"`

	// attendancerelay
	SessionStartMessage     string `mapstructure:"session_start_message"`
	SessionEndMessage       string `mapstructure:"session_end_message"`
	SessionEndedEditMessage string `mapstructure:"session_ended_edit_message"`

	// poster
	Schedule string `mapstructure:"schedule"`
	Body     string `mapstructure:"body"`
}

// NormalizeServiceKind maps a configured kind onto the recognized set,
// returning the Unknown sentinel for anything unrecognized.
func NormalizeServiceKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case ServiceDummy:
		return ServiceDummy
	case ServiceDiscord:
		return ServiceDiscord
	case ServiceTelegram:
		return ServiceTelegram
	case ServiceMatrix:
		return ServiceMatrix
	case ServiceWebsocket:
		return ServiceWebsocket
	default:
		return ServiceUnknown
	}
}

// NormalizeMiddlewareKind maps a configured kind onto the recognized set.
func NormalizeMiddlewareKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case MiddlewareEcho:
		return MiddlewareEcho
	case MiddlewareInvite:
		return MiddlewareInvite
	case MiddlewareLogger:
		return MiddlewareLogger
	case MiddlewareChatRelay:
		return MiddlewareChatRelay
	case MiddlewareAttendanceRelay:
		return MiddlewareAttendanceRelay
	case MiddlewarePoster:
		return MiddlewarePoster
	default:
		return MiddlewareUnknown
	}
}

// ParseMiddlewareList splits a comma-separated middleware reference string,
// trimming whitespace and dropping empty entries.
func ParseMiddlewareList(s string) MiddlewareList {
	parts := strings.Split(s, ",")
	out := make(MiddlewareList, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func middlewareListHook() mapstructure.DecodeHookFuncType {
	listType := reflect.TypeOf(MiddlewareList(nil))
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != listType {
			return data, nil
		}
		if s, ok := data.(string); ok {
			return ParseMiddlewareList(s), nil
		}
		return data, nil
	}
}

// Load reads the config file at path (empty means ./kelvin.toml when
// present) and overlays KELVIN__-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kelvin")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", EnvSeparator))
	v.AutomaticEnv()

	v.SetDefault("data_directory", "./data")
	v.SetDefault("reconnection.initial_delay", "1s")
	v.SetDefault("reconnection.max_delay", "60s")
	v.SetDefault("reconnection.multiplier", 2.0)
	v.SetDefault("reconnection.jitter_factor", 0.1)

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine (env-only deployments);
		// an explicitly named file must exist.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		middlewareListHook(),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the fatal configuration rules: a middleware name
// referenced by a service must be defined, and reconnection parameters must
// be sane. Unknown kinds are not fatal here; materialization skips them
// with a warning.
func (c *Config) Validate() error {
	for name, svc := range c.Services {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("service with empty name")
		}
		cleaned := make(MiddlewareList, 0, len(svc.Middleware))
		for _, ref := range svc.Middleware {
			ref = strings.TrimSpace(ref)
			if ref == "" {
				continue
			}
			if _, ok := c.Middlewares[ref]; !ok {
				return fmt.Errorf("service %q references undefined middleware %q", name, ref)
			}
			cleaned = append(cleaned, ref)
		}
		svc.Middleware = cleaned
		c.Services[name] = svc
	}

	r := &c.Reconnection
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.MaxDelay < r.InitialDelay {
		r.MaxDelay = 60 * time.Second
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2.0
	}
	if r.JitterFactor < 0 || r.JitterFactor >= 1 {
		r.JitterFactor = 0.1
	}
	return nil
}
