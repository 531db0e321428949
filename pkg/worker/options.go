// Package worker provides the job-processing worker pool.
package worker

import (
	"time"

	"github.com/outreachd/outreachd/pkg/core"
)

// DefaultConcurrency is the number of concurrent pullers per job kind.
const DefaultConcurrency = 5

// Option configures a Worker.
type Option interface {
	ApplyWorker(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) ApplyWorker(c *Config) { f(c) }

// Config holds worker configuration.
type Config struct {
	Kinds        map[core.JobKind]int // job kind -> concurrency
	PollInterval time.Duration
	WorkerID     string
	RetryPolicy  *RetryPolicy
	StaleAfter   time.Duration
	SweepEvery   time.Duration
}

// Kind adds a job kind to process with the default concurrency.
func Kind(kind core.JobKind, opts ...Option) Option {
	return optionFunc(func(c *Config) {
		if c.Kinds == nil {
			c.Kinds = make(map[core.JobKind]int)
		}
		c.Kinds[kind] = DefaultConcurrency
		for _, opt := range opts {
			opt.ApplyWorker(c)
		}
	})
}

// Concurrency sets the concurrency for every configured kind.
func Concurrency(n int) Option {
	return optionFunc(func(c *Config) {
		if n < 1 {
			n = 1
		}
		for k := range c.Kinds {
			c.Kinds[k] = n
		}
	})
}

// PollInterval sets how often the worker polls for waiting jobs.
func PollInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.PollInterval = d
	})
}

// WithRetryPolicy sets the retry policy applied to failed jobs.
func WithRetryPolicy(p RetryPolicy) Option {
	return optionFunc(func(c *Config) {
		c.RetryPolicy = &p
	})
}
