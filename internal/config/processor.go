package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ProcessorConfig tunes payment event processing at runtime.
type ProcessorConfig struct {
	SideEffectTimeout time.Duration `mapstructure:"sideEffectTimeout"`
	DisabledEffects   []string      `mapstructure:"disabledEffects"`
	QueueSize         int           `mapstructure:"queueSize"`
	QueueWorkers      int           `mapstructure:"queueWorkers"`
	MaxCommitAttempts int           `mapstructure:"maxCommitAttempts"`
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		SideEffectTimeout: 5 * time.Second,
		QueueSize:         256,
		QueueWorkers:      4,
		MaxCommitAttempts: 3,
	}
}

// EffectEnabled reports whether the named side effect is allowed to run.
func (c ProcessorConfig) EffectEnabled(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, disabled := range c.DisabledEffects {
		if strings.ToLower(strings.TrimSpace(disabled)) == name {
			return false
		}
	}
	return true
}

type ProcessorConfigHolder struct {
	current atomic.Value // holds ProcessorConfig
}

// NewStaticProcessorConfigHolder returns a holder that never reloads.
func NewStaticProcessorConfigHolder(cfg ProcessorConfig) *ProcessorConfigHolder {
	holder := &ProcessorConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewProcessorConfigHolder(log *zap.Logger) (*ProcessorConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.processor")

	v := viper.New()

	v.SetConfigName("processor")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/storefront")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultProcessorConfig()
	v.SetDefault("processor.sideEffectTimeout", defaults.SideEffectTimeout)
	v.SetDefault("processor.disabledEffects", defaults.DisabledEffects)
	v.SetDefault("processor.queueSize", defaults.QueueSize)
	v.SetDefault("processor.queueWorkers", defaults.QueueWorkers)
	v.SetDefault("processor.maxCommitAttempts", defaults.MaxCommitAttempts)

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fromFile = false
	}

	var cfg ProcessorConfig
	if err := v.UnmarshalKey("processor", &cfg); err != nil {
		return nil, err
	}
	if err := validateProcessorConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticProcessorConfigHolder(cfg)
	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ProcessorConfig
		if err := v.UnmarshalKey("processor", &updated); err != nil {
			log.Warn("processor config reload failed", zap.Error(err))
			return
		}
		if err := validateProcessorConfig(updated); err != nil {
			log.Warn("invalid processor config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("processor config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ProcessorConfigHolder) Get() ProcessorConfig {
	if h == nil {
		return DefaultProcessorConfig()
	}
	cfg, ok := h.current.Load().(ProcessorConfig)
	if !ok {
		return DefaultProcessorConfig()
	}
	return cfg
}

func validateProcessorConfig(cfg ProcessorConfig) error {
	if cfg.SideEffectTimeout <= 0 {
		return errors.New("processor.sideEffectTimeout must be positive")
	}
	if cfg.QueueSize <= 0 {
		return errors.New("processor.queueSize must be positive")
	}
	if cfg.QueueWorkers <= 0 {
		return errors.New("processor.queueWorkers must be positive")
	}
	if cfg.MaxCommitAttempts <= 0 {
		return errors.New("processor.maxCommitAttempts must be positive")
	}
	return nil
}
