package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agoramart/dunning/internal/config"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

// TimeOfDay is a local wall-clock trigger time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Config controls trigger times, batch sizes and the run lock.
type Config struct {
	RunAt       []TimeOfDay
	BatchSize   int
	TickTimeout time.Duration
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunAt: []TimeOfDay{
			{Hour: 9},
			{Hour: 17},
		},
		BatchSize:   50,
		TickTimeout: 10 * time.Minute,
		LockTTL:     15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if len(c.RunAt) == 0 {
		c.RunAt = defaults.RunAt
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = defaults.TickTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) (Config, error) {
	runAt, err := ParseRunAt(cfg.Dunning.RunAt)
	if err != nil {
		return Config{}, err
	}
	return Config{
		RunAt:     runAt,
		BatchSize: cfg.Dunning.BatchSize,
	}.withDefaults(), nil
}

// ParseRunAt parses "HH:MM" entries into trigger times.
func ParseRunAt(entries []string) ([]TimeOfDay, error) {
	times := make([]TimeOfDay, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: run time %q", ErrInvalidConfig, entry)
		}
		hour, err := strconv.Atoi(parts[0])
		if err != nil || hour < 0 || hour > 23 {
			return nil, fmt.Errorf("%w: run time %q", ErrInvalidConfig, entry)
		}
		minute, err := strconv.Atoi(parts[1])
		if err != nil || minute < 0 || minute > 59 {
			return nil, fmt.Errorf("%w: run time %q", ErrInvalidConfig, entry)
		}
		times = append(times, TimeOfDay{Hour: hour, Minute: minute})
	}
	return times, nil
}
