package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" env:"LOQA_TELEMETRY_LOG_LEVEL"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"LOQA_TELEMETRY_OTLP_ENDPOINT"`
	OTLPInsecure bool   `yaml:"otlp_insecure" env:"LOQA_TELEMETRY_OTLP_INSECURE"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" env:"LOQA_HTTP_BIND"`
	Port int    `yaml:"port" env:"LOQA_HTTP_PORT"`
}

type Config struct {
	RuntimeName       string          `yaml:"runtime_name" env:"LOQA_RUNTIME_NAME"`
	Environment       string          `yaml:"environment" env:"LOQA_RUNTIME_ENVIRONMENT"`
	ShutdownTimeoutMS int             `yaml:"shutdown_timeout_ms" env:"LOQA_SHUTDOWN_TIMEOUT_MS"`
	HTTP              HTTPConfig      `yaml:"http"`
	Telemetry         TelemetryConfig `yaml:"telemetry"`
	Bus               BusConfig       `yaml:"bus"`
	Cache             CacheConfig     `yaml:"cache"`
	TTS               TTSConfig       `yaml:"tts"`
	Voice             VoiceConfig     `yaml:"voice"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" env:"LOQA_BUS_EMBEDDED"`
	Port           int      `yaml:"port" env:"LOQA_BUS_PORT"`
	StoreDir       string   `yaml:"store_dir" env:"LOQA_BUS_STORE_DIR"`
	Servers        []string `yaml:"servers" env:"LOQA_BUS_SERVERS" envSeparator:","`
	Username       string   `yaml:"username" env:"LOQA_BUS_USERNAME"`
	Password       string   `yaml:"password" env:"LOQA_BUS_PASSWORD"`
	Token          string   `yaml:"token" env:"LOQA_BUS_TOKEN"`
	TLSInsecure    bool     `yaml:"tls_insecure" env:"LOQA_BUS_TLS_INSECURE"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" env:"LOQA_BUS_CONNECT_TIMEOUT_MS"`
}

// CacheConfig describes the on-disk synthesis cache. The exclusion band is
// the half-open byte range [ExcludeMinBytes, ExcludeMaxBytes); results whose
// length falls inside it are never written back.
type CacheConfig struct {
	Path              string `yaml:"path" env:"LOQA_CACHE_PATH"`
	LRUEntries        int    `yaml:"lru_entries" env:"LOQA_CACHE_LRU_ENTRIES"`
	ExcludeMinBytes   int    `yaml:"exclude_min_bytes" env:"LOQA_CACHE_EXCLUDE_MIN_BYTES"`
	ExcludeMaxBytes   int    `yaml:"exclude_max_bytes" env:"LOQA_CACHE_EXCLUDE_MAX_BYTES"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms" env:"LOQA_CACHE_SHUTDOWN_TIMEOUT_MS"`
}

type TTSConfig struct {
	Endpoint          string      `yaml:"endpoint" env:"LOQA_TTS_ENDPOINT"`
	SubscriptionKeys  Credentials `yaml:"subscription_keys" env:"LOQA_TTS_SUBSCRIPTION_KEYS" envSeparator:","`
	OutputFormat      string      `yaml:"output_format" env:"LOQA_TTS_OUTPUT_FORMAT"`
	UserAgent         string      `yaml:"user_agent" env:"LOQA_TTS_USER_AGENT"`
	TimeoutMS         int         `yaml:"timeout_ms" env:"LOQA_TTS_TIMEOUT_MS"`
	RequestsPerSecond float64     `yaml:"requests_per_second" env:"LOQA_TTS_REQUESTS_PER_SECOND"`
	GracePeriodMS     int         `yaml:"grace_period_ms" env:"LOQA_TTS_GRACE_PERIOD_MS"`
	MaxInflight       int         `yaml:"max_inflight" env:"LOQA_TTS_MAX_INFLIGHT"`
}

type VoiceConfig struct {
	Enabled         bool   `yaml:"enabled" env:"LOQA_VOICE_ENABLED"`
	Token           string `yaml:"token" env:"LOQA_VOICE_TOKEN"`
	GuildID         string `yaml:"guild_id" env:"LOQA_VOICE_GUILD_ID"`
	ChannelID       string `yaml:"channel_id" env:"LOQA_VOICE_CHANNEL_ID"`
	Follow          string `yaml:"follow" env:"LOQA_VOICE_FOLLOW"`
	FrameDurationMS int    `yaml:"frame_duration_ms" env:"LOQA_VOICE_FRAME_DURATION_MS"`
	ResyncIntervalS int    `yaml:"resync_interval_s" env:"LOQA_VOICE_RESYNC_INTERVAL_S"`
	EventBufferSize int    `yaml:"event_buffer" env:"LOQA_VOICE_EVENT_BUFFER"`
	DeliveryMailbox int    `yaml:"delivery_mailbox" env:"LOQA_VOICE_DELIVERY_MAILBOX"`
}

// Credentials accepts either a single scalar or a sequence in YAML.
type Credentials []string

func (c *Credentials) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*c = Credentials{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*c = Credentials(many)
		return nil
	default:
		return fmt.Errorf("subscription_keys: unsupported yaml node kind %d", value.Kind)
	}
}

func Default() Config {
	return Config{
		RuntimeName:       "loqa-voice",
		Environment:       "development",
		ShutdownTimeoutMS: 5000,
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Cache: CacheConfig{
			Path:              "./data/tts.db",
			LRUEntries:        256,
			ShutdownTimeoutMS: 3000,
		},
		TTS: TTSConfig{
			OutputFormat:  "ogg-48khz-16bit-mono-opus",
			UserAgent:     "loqa-voice/0.1.0",
			TimeoutMS:     30000,
			GracePeriodMS: 500,
			MaxInflight:   64,
		},
		Voice: VoiceConfig{
			Enabled:         true,
			FrameDurationMS: 20,
			ResyncIntervalS: 60,
			EventBufferSize: 64,
			DeliveryMailbox: 16,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	cfg.TTS.SubscriptionKeys = cfg.TTS.SubscriptionKeys.normalize()
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize trims keys and drops blanks and duplicates, keeping first-seen order.
func (c Credentials) normalize() Credentials {
	seen := make(map[string]struct{}, len(c))
	out := make(Credentials, 0, len(c))
	for _, key := range c {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func (c TTSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c TTSConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMS) * time.Millisecond
}

func (c VoiceConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMS) * time.Millisecond
}

func (c VoiceConfig) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalS) * time.Second
}

func (c CacheConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.ShutdownTimeoutMS <= 0 {
		return errors.New("shutdown_timeout_ms must be positive")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Cache.Path == "" {
		return errors.New("cache.path must not be empty")
	}
	if cfg.Cache.LRUEntries < 0 {
		return errors.New("cache.lru_entries must be >= 0")
	}
	if cfg.Cache.ExcludeMinBytes < 0 || cfg.Cache.ExcludeMaxBytes < 0 {
		return errors.New("cache exclusion bounds must be >= 0")
	}
	if cfg.Cache.ExcludeMaxBytes < cfg.Cache.ExcludeMinBytes {
		return errors.New("cache.exclude_max_bytes must be >= cache.exclude_min_bytes")
	}
	if cfg.Cache.ShutdownTimeoutMS <= 0 {
		return errors.New("cache.shutdown_timeout_ms must be positive")
	}
	if cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must not be empty")
	}
	if len(cfg.TTS.SubscriptionKeys) == 0 {
		return errors.New("tts.subscription_keys must contain at least one key")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	if cfg.TTS.GracePeriodMS < 0 {
		return errors.New("tts.grace_period_ms must be >= 0")
	}
	if cfg.TTS.RequestsPerSecond < 0 {
		return errors.New("tts.requests_per_second must be >= 0")
	}
	if cfg.TTS.MaxInflight <= 0 {
		return errors.New("tts.max_inflight must be positive")
	}
	if cfg.Voice.Enabled {
		if cfg.Voice.Token == "" {
			return errors.New("voice.token must be set when voice is enabled")
		}
		if cfg.Voice.GuildID == "" {
			return errors.New("voice.guild_id must be set when voice is enabled")
		}
		if cfg.Voice.ChannelID == "" {
			return errors.New("voice.channel_id must be set when voice is enabled")
		}
	}
	if cfg.Voice.FrameDurationMS <= 0 {
		return errors.New("voice.frame_duration_ms must be positive")
	}
	if cfg.Voice.ResyncIntervalS <= 0 {
		return errors.New("voice.resync_interval_s must be positive")
	}
	if cfg.Voice.EventBufferSize <= 0 || cfg.Voice.DeliveryMailbox <= 0 {
		return errors.New("voice.event_buffer and voice.delivery_mailbox must be positive")
	}
	return nil
}
