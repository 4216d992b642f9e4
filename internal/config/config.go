package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode   string       `mapstructure:"mode" validate:"oneof=debug release test"`
	Log    LogConfig    `mapstructure:"log"`
	Broker BrokerConfig `mapstructure:"broker"`
	Peer   PeerConfig   `mapstructure:"peer"`
	Framer FramerConfig `mapstructure:"framer"`
	Beacon BeaconConfig `mapstructure:"beacon"`
	Fanout FanoutConfig `mapstructure:"fanout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
}

type BrokerConfig struct {
	Port          int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadLimit     int64         `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod    time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	ClaimLimit    int           `mapstructure:"claim_limit" validate:"min=1"`
	ClaimInterval time.Duration `mapstructure:"claim_interval" validate:"gt=0"`
}

type PeerConfig struct {
	Name        string   `mapstructure:"name" validate:"max=36"`
	SignalURL   string   `mapstructure:"signal_url" validate:"required,url"`
	ICEServers  []string `mapstructure:"ice_servers"`
	RelayOnly   bool     `mapstructure:"relay_only"`
	Codec       string   `mapstructure:"codec" validate:"oneof=json cbor"`
	EventBuffer int      `mapstructure:"event_buffer" validate:"min=1"`
	Privacy     string   `mapstructure:"privacy" validate:"oneof=EVERYONE CONTACTS_ONLY"`
}

type FramerConfig struct {
	ChunkSize      int           `mapstructure:"chunk_size" validate:"min=1,max=16384"`
	ChunkThreshold int           `mapstructure:"chunk_threshold" validate:"min=1,max=61440"`
	ReassemblyTTL  time.Duration `mapstructure:"reassembly_ttl" validate:"gt=0"`
	MaxTransfers   int           `mapstructure:"max_transfers" validate:"min=1"`
	MaxChunks      int           `mapstructure:"max_chunks" validate:"min=1,max=4096"`
}

type BeaconConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetryInitial    time.Duration `mapstructure:"retry_initial" validate:"gt=0"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed" validate:"gtfield=RetryInitial"`
}

type FanoutConfig struct {
	MaxParallel int `mapstructure:"max_parallel" validate:"min=1"`
}

var defaults = map[string]any{
	"mode":                     "release",
	"log.level":                "info",
	"log.format":               "console",
	"log.file":                 "",
	"log.max_size_mb":          50,
	"log.max_backups":          3,
	"broker.port":              8080,
	"broker.read_limit":        65536,
	"broker.ping_period":       "54s",
	"broker.claim_limit":       10,
	"broker.claim_interval":    "1m",
	"peer.name":                "",
	"peer.signal_url":          "ws://localhost:8080/api/ws",
	"peer.ice_servers":         []string{"stun:stun.l.google.com:19302"},
	"peer.relay_only":          false,
	"peer.codec":               "json",
	"peer.event_buffer":        64,
	"peer.privacy":             "EVERYONE",
	"framer.chunk_size":        16384,
	"framer.chunk_threshold":   32768,
	"framer.reassembly_ttl":    "2m",
	"framer.max_transfers":     256,
	"framer.max_chunks":        4096,
	"beacon.timeout":           "3s",
	"beacon.retry_initial":     "250ms",
	"beacon.retry_max_elapsed": "5s",
	"fanout.max_parallel":      8,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Default returns the configuration with no file, env or flag overrides.
func Default() (*Config, error) {
	return decode(newViper())
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of defaults, then
// TURTLE_* environment variables, then flags. Flags are bound by name with
// dashes mapped to the nested key, e.g. --broker-port to broker.port.
func Load(flags *pflag.FlagSet) (*Config, *viper.Viper, error) {
	v := newViper()
	v.SetEnvPrefix("TURTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Info().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.Replace(f.Name, "-", ".", 1)
			key = strings.ReplaceAll(key, "-", "_")
			if _, ok := defaults[key]; !ok {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, nil, bindErr
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Str("codec", cfg.Peer.Codec).Msg("config ready")
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Watch calls fn with the re-read configuration whenever the config file
// changes. Invalid edits are logged and skipped.
func Watch(v *viper.Viper, fn func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("ignored config change")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config changed")
		fn(cfg)
	})
	v.WatchConfig()
}
