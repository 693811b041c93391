package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RetryPolicy is the operator-tunable part of the dunning engine: how many
// charge attempts a past-due subscription gets and how long to wait between
// them. Attempts past the end of the backoff table reuse its last entry.
type RetryPolicy struct {
	MaxRetryAttempts int   `mapstructure:"maxRetryAttempts"`
	BackoffDays      []int `mapstructure:"backoffDays"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetryAttempts: 3,
		BackoffDays:      []int{1, 3, 7},
	}
}

type RetryPolicyHolder struct {
	current atomic.Value // holds RetryPolicy
}

func NewRetryPolicyHolder() (*RetryPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/agoramart/config") // Volume-mounted config
	v.AddConfigPath("/etc/agoramart")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("AGORAMART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultRetryPolicy()
		v.SetDefault("retry.maxRetryAttempts", defaults.MaxRetryAttempts)
		v.SetDefault("retry.backoffDays", defaults.BackoffDays)
	}

	var policy RetryPolicy
	if err := v.UnmarshalKey("retry", &policy); err != nil {
		return nil, err
	}
	if err := validateRetryPolicy(policy); err != nil {
		return nil, err
	}

	holder := &RetryPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RetryPolicy
		if err := v.UnmarshalKey("retry", &updated); err != nil {
			log.Printf("[retry-policy] reload failed: %v", err)
			return
		}
		if err := validateRetryPolicy(updated); err != nil {
			log.Printf("[retry-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[retry-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *RetryPolicyHolder) Get() RetryPolicy {
	return h.current.Load().(RetryPolicy)
}

// NewStaticRetryPolicyHolder wraps a fixed policy, used by tests and by
// callers that do not want file-backed reloads. An invalid policy is
// replaced with the defaults so every holder hands out a usable table.
func NewStaticRetryPolicyHolder(policy RetryPolicy) *RetryPolicyHolder {
	if err := validateRetryPolicy(policy); err != nil {
		policy = DefaultRetryPolicy()
	}
	holder := &RetryPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validateRetryPolicy(policy RetryPolicy) error {
	if policy.MaxRetryAttempts < 1 {
		return errors.New("retry.maxRetryAttempts must be at least 1")
	}
	if len(policy.BackoffDays) == 0 {
		return errors.New("retry.backoffDays cannot be empty")
	}
	for _, days := range policy.BackoffDays {
		if days < 1 {
			return errors.New("retry.backoffDays entries must be positive")
		}
	}
	return nil
}
