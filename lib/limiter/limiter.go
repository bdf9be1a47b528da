/*
Copyright 2025 TermGate Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package limiter rate limits REST requests per client address, with
// separate budgets for reads and writes.
package limiter

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/termgate/termgate/lib/defaults"
)

// Config holds Limiter parameters.
type Config struct {
	// ReadsPerMinute is the per-address budget of read requests.
	ReadsPerMinute int
	// WritesPerMinute is the per-address budget of write requests.
	WritesPerMinute int
	// IdleTTL is how long an untouched bucket survives.
	IdleTTL time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ReadsPerMinute < 0 || c.WritesPerMinute < 0 {
		return trace.BadParameter("negative rate limits")
	}
	if c.ReadsPerMinute == 0 {
		c.ReadsPerMinute = defaults.ReadRequestsPerMinute
	}
	if c.WritesPerMinute == 0 {
		c.WritesPerMinute = defaults.WriteRequestsPerMinute
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = defaults.LimiterIdleTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Limiter keeps one token bucket per client address and request class.
// Idle buckets are evicted by the cache janitor so memory stays bounded
// under address churn.
type Limiter struct {
	clock clockwork.Clock

	readRate  int
	writeRate int
	idleTTL   time.Duration

	reads  *gocache.Cache
	writes *gocache.Cache
}

// New returns a Limiter for the given config.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		clock:     cfg.Clock,
		readRate:  cfg.ReadsPerMinute,
		writeRate: cfg.WritesPerMinute,
		idleTTL:   cfg.IdleTTL,
		reads:     gocache.New(cfg.IdleTTL, cfg.IdleTTL),
		writes:    gocache.New(cfg.IdleTTL, cfg.IdleTTL),
	}, nil
}

// AllowRead reports whether addr may perform another read request.
func (l *Limiter) AllowRead(addr string) bool {
	return l.allow(l.reads, addr, l.readRate)
}

// AllowWrite reports whether addr may perform another write request.
func (l *Limiter) AllowWrite(addr string) bool {
	return l.allow(l.writes, addr, l.writeRate)
}

func (l *Limiter) allow(buckets *gocache.Cache, addr string, perMinute int) bool {
	var bucket *rate.Limiter
	if cached, ok := buckets.Get(addr); ok {
		bucket = cached.(*rate.Limiter)
	} else {
		bucket = rate.NewLimiter(rate.Limit(perMinute)/60, perMinute)
	}
	// touching the entry refreshes its idle TTL
	buckets.Set(addr, bucket, l.idleTTL)
	return bucket.AllowN(l.clock.Now(), 1)
}
