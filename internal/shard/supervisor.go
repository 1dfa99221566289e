// ABOUTME: Shard supervisor that owns one gateway session per shard.
// ABOUTME: Paces identifies across concurrency buckets and restarts fatally failed shards.

package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/slither/internal/cache"
	"github.com/2389/slither/internal/config"
	"github.com/2389/slither/internal/gateway"
)

// Options configures a Supervisor.
type Options struct {
	Token    string
	Sharding config.ShardingConfig
	Gateway  config.GatewayConfig

	Endpoint gateway.EndpointFunc
	Handler  gateway.Handler
	Cache    *cache.Cache
	Store    gateway.ResumeStore
	Logger   *slog.Logger

	// OnShardDown is invoked each time a shard fails fatally, before the
	// supervisor schedules that shard's restart. Optional.
	OnShardDown func(shardID int, err error)
}

// Supervisor runs every shard's gateway session and keeps them within the
// shared identify rate limit. Transient disconnects are the session's own
// business; the supervisor only sees fatal failures, and restarts just the
// failed shard with its own backoff, leaving the healthy shards untouched.
type Supervisor struct {
	opts     Options
	gate     *identifyGate
	sessions []*gateway.Session
	logger   *slog.Logger
}

// NewSupervisor builds the per-shard sessions. It does not connect; call Run.
func NewSupervisor(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Sharding.ShardCount < 1 {
		opts.Sharding.ShardCount = 1
	}
	if opts.Sharding.MaxConcurrency < 1 {
		opts.Sharding.MaxConcurrency = 1
	}

	s := &Supervisor{
		opts:   opts,
		gate:   newIdentifyGate(opts.Sharding.MaxConcurrency, opts.Sharding.IdentifyStagger),
		logger: logger.With("component", "shard"),
	}

	s.sessions = make([]*gateway.Session, opts.Sharding.ShardCount)
	for id := range s.sessions {
		s.sessions[id] = gateway.NewSession(gateway.Options{
			Token:        opts.Token,
			ShardID:      id,
			ShardCount:   opts.Sharding.ShardCount,
			Config:       opts.Gateway,
			Endpoint:     opts.Endpoint,
			Handler:      opts.Handler,
			Cache:        opts.Cache,
			IdentifyGate: s.gate,
			Store:        opts.Store,
			Logger:       logger,
		})
	}

	return s
}

// Sessions returns the supervised sessions, indexed by shard id.
func (s *Supervisor) Sessions() []*gateway.Session {
	return s.sessions
}

// Run connects every shard and blocks until ctx is cancelled. A shard that
// fails fatally is reported through OnShardDown and restarted on its own
// backoff; the other shards keep running.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting shards",
		"shard_count", len(s.sessions),
		"max_concurrency", s.opts.Sharding.MaxConcurrency)

	var wg sync.WaitGroup
	for id := range s.sessions {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runShard(ctx, id)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// runShard supervises one shard, restarting its session after each fatal
// failure with doubling backoff. A fatal failure means the shard's session
// gave up for good (non-resumable close or repeated identify failure);
// after a restart it begins again from a fresh identify.
func (s *Supervisor) runShard(ctx context.Context, id int) {
	session := s.sessions[id]

	wait := s.opts.Gateway.ReconnectBackoff
	if wait <= 0 {
		wait = time.Second
	}

	for {
		err := session.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Error("shard down", "shard_id", id, "error", err, "restart_in", wait)
		if s.opts.OnShardDown != nil {
			s.opts.OnShardDown(id, fmt.Errorf("shard %d: %w", id, err))
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		wait *= 2
		if ceiling := s.opts.Gateway.MaxBackoff; ceiling > 0 && wait > ceiling {
			wait = ceiling
		}
	}
}

// identifyGate spaces identify attempts so that shards sharing a
// concurrency bucket (shard id modulo max concurrency) never identify
// within the stagger window of each other.
type identifyGate struct {
	stagger time.Duration
	buckets []*identifyBucket
}

type identifyBucket struct {
	mu   sync.Mutex
	next time.Time
}

func newIdentifyGate(maxConcurrency int, stagger time.Duration) *identifyGate {
	buckets := make([]*identifyBucket, maxConcurrency)
	for i := range buckets {
		buckets[i] = &identifyBucket{}
	}
	return &identifyGate{stagger: stagger, buckets: buckets}
}

// Wait blocks until the shard's bucket allows another identify. The bucket
// lock is held across the wait, so same-bucket shards proceed one at a time.
func (g *identifyGate) Wait(ctx context.Context, shardID int) error {
	b := g.buckets[shardID%len(g.buckets)]
	b.mu.Lock()
	defer b.mu.Unlock()

	if wait := time.Until(b.next); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.next = time.Now().Add(g.stagger)
	return nil
}
