package store

import (
	"context"
	"log"
	"time"
)

// Sweeper evicts terminal jobs older than TTL on a fixed interval.
type Sweeper struct {
	Registry Registry
	TTL      time.Duration
	Interval time.Duration
	Logger   *log.Logger

	now func() time.Time
}

// Run blocks until ctx is done. A zero TTL disables eviction.
func (s *Sweeper) Run(ctx context.Context) {
	if s.TTL <= 0 {
		return
	}
	interval := s.Interval
	if interval <= 0 {
		interval = s.TTL / 4
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	n, err := s.Registry.EvictTerminal(ctx, now().UTC().Add(-s.TTL))
	if err != nil {
		if s.Logger != nil {
			s.Logger.Printf("registry sweep failed err=%v", err)
		}
		return 0
	}
	if n > 0 && s.Logger != nil {
		s.Logger.Printf("registry sweep evicted=%d ttl=%s", n, s.TTL)
	}
	return n
}
