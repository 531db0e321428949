package queue

import (
	"time"
)

// DefaultMaxRetries is the default attempt budget for a job.
const DefaultMaxRetries = 3

// Options holds configuration for job enqueueing.
type Options struct {
	Priority   int
	MaxRetries int
	Delay      time.Duration
	RunAt      *time.Time
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Priority:   0,
		MaxRetries: DefaultMaxRetries,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Priority sets the job priority (higher runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// Retries sets the maximum retry count.
func Retries(n int) Option {
	return optionFunc(func(o *Options) {
		if n < 0 {
			n = 0
		}
		o.MaxRetries = n
	})
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}
