package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Limits are the operational knobs that may be tuned without a restart:
// how long a balance mutation waits on a row lock, how lock-timeout
// retries back off, and how aggressively interrupted reservations are
// swept by the recovery worker.
type Limits struct {
	LockTimeout time.Duration `mapstructure:"lockTimeout"`

	RetryMaxAttempts     int           `mapstructure:"retryMaxAttempts"`
	RetryInitialInterval time.Duration `mapstructure:"retryInitialInterval"`
	RetryMaxInterval     time.Duration `mapstructure:"retryMaxInterval"`

	RecoveryCutoff       time.Duration `mapstructure:"recoveryCutoff"`
	RecoveryPollInterval time.Duration `mapstructure:"recoveryPollInterval"`
	RecoveryBatchSize    int           `mapstructure:"recoveryBatchSize"`
}

func DefaultLimits() Limits {
	return Limits{
		LockTimeout:          3 * time.Second,
		RetryMaxAttempts:     4,
		RetryInitialInterval: 50 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
		RecoveryCutoff:       10 * time.Minute,
		RecoveryPollInterval: 30 * time.Second,
		RecoveryBatchSize:    100,
	}
}

// LimitsHolder serves the current Limits and hot-reloads them when the
// config file changes.
type LimitsHolder struct {
	current atomic.Value // holds Limits
}

func NewLimitsHolder() (*LimitsHolder, error) {
	v := viper.New()

	v.SetConfigName("limits")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditd/config")
	v.AddConfigPath("/etc/creditd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLimits()
	v.SetDefault("limits.lockTimeout", defaults.LockTimeout)
	v.SetDefault("limits.retryMaxAttempts", defaults.RetryMaxAttempts)
	v.SetDefault("limits.retryInitialInterval", defaults.RetryInitialInterval)
	v.SetDefault("limits.retryMaxInterval", defaults.RetryMaxInterval)
	v.SetDefault("limits.recoveryCutoff", defaults.RecoveryCutoff)
	v.SetDefault("limits.recoveryPollInterval", defaults.RecoveryPollInterval)
	v.SetDefault("limits.recoveryBatchSize", defaults.RecoveryBatchSize)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var limits Limits
	if err := v.UnmarshalKey("limits", &limits); err != nil {
		return nil, err
	}
	if err := validateLimits(limits); err != nil {
		return nil, err
	}

	holder := &LimitsHolder{}
	holder.current.Store(limits)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Limits
		if err := v.UnmarshalKey("limits", &updated); err != nil {
			log.Printf("[limits-config] reload failed: %v", err)
			return
		}
		if err := validateLimits(updated); err != nil {
			log.Printf("[limits-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[limits-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *LimitsHolder) Get() Limits {
	return h.current.Load().(Limits)
}

// NewStaticLimitsHolder returns a holder that never reloads. Used by tests
// and by callers that construct components outside the fx graph.
func NewStaticLimitsHolder(limits Limits) *LimitsHolder {
	holder := &LimitsHolder{}
	holder.current.Store(limits)
	return holder
}

func validateLimits(limits Limits) error {
	if limits.LockTimeout <= 0 {
		return errors.New("limits.lockTimeout must be positive")
	}
	if limits.RetryMaxAttempts <= 0 {
		return errors.New("limits.retryMaxAttempts must be positive")
	}
	if limits.RetryInitialInterval <= 0 || limits.RetryMaxInterval < limits.RetryInitialInterval {
		return errors.New("limits.retry intervals are inconsistent")
	}
	if limits.RecoveryCutoff <= 0 || limits.RecoveryPollInterval <= 0 {
		return errors.New("limits.recovery intervals must be positive")
	}
	if limits.RecoveryBatchSize <= 0 {
		return errors.New("limits.recoveryBatchSize must be positive")
	}
	return nil
}
