// Package usage periodically pulls quota state from upstream and writes
// it back to the provider records the pool selects on.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kiropool/internal/config"
	"kiropool/internal/pool"
	"kiropool/internal/store"
)

type Syncer struct {
	store *store.Store
	pool  *pool.Pool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncer(st *store.Store, pl *pool.Pool) *Syncer {
	return &Syncer{store: st, pool: pl}
}

func (s *Syncer) Start(ctx context.Context) {
	cfg := config.Get().Usage
	if !cfg.Enabled {
		log.Info().Msg("usage syncer disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx, cfg.SyncInterval)

	log.Info().Dur("interval", cfg.SyncInterval).Msg("usage syncer started")
}

func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info().Msg("usage syncer stopped")
}

func (s *Syncer) run(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncDue(ctx, interval)
		}
	}
}

// SyncDue refreshes usage for providers whose snapshot is older than the
// interval.
func (s *Syncer) SyncDue(ctx context.Context, interval time.Duration) {
	providers, err := s.store.GetProvidersNeedingUsageSync(time.Now().Add(-interval))
	if err != nil {
		log.Error().Err(err).Msg("list providers for usage sync")
		return
	}

	for _, p := range providers {
		if err := s.SyncProvider(ctx, p); err != nil {
			log.Warn().Err(err).Int64("provider", p.ID).Msg("usage sync failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SyncProvider pulls one provider's quota state and persists it. A FREE
// account without an explicit model restriction gets the configured
// free-tier allow-list.
func (s *Syncer) SyncProvider(ctx context.Context, p *store.Provider) error {
	svc := s.pool.Service(p)
	snapshot, err := svc.GetUsageLimits(ctx)
	if err != nil {
		return err
	}

	if err := s.store.UpdateProviderUsageCache(p.ID, snapshot.Raw,
		snapshot.Used, snapshot.Limit, snapshot.Percent, snapshot.Exhausted,
		snapshot.AccountType); err != nil {
		return err
	}

	if snapshot.AccountType == "FREE" && p.AccountType != "FREE" && p.AllowedModels == nil {
		freeModels := config.Get().Usage.FreeTierModels
		if len(freeModels) > 0 {
			if err := s.store.UpdateProviderAllowedModels(p.ID, freeModels); err != nil {
				return err
			}
			log.Info().Int64("provider", p.ID).Strs("models", freeModels).
				Msg("free-tier account restricted to default model list")
		}
	}

	if snapshot.Exhausted && !p.UsageExhausted {
		log.Warn().Int64("provider", p.ID).Float64("percent", snapshot.Percent).
			Msg("provider quota exhausted")
	}
	return nil
}
