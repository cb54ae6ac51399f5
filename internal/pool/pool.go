// Package pool selects upstream accounts, tracks their failures, and
// drives retry-with-reselection for buffered calls.
package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"kiropool/internal/config"
	"kiropool/internal/kiro"
	"kiropool/internal/store"
)

type Options struct {
	// Strategy returns the current selection strategy; defaults to the
	// configured pool.strategy so admin changes apply without restart.
	Strategy   func() string
	MaxRetries int
	BaseDelay  time.Duration
	// Sleep is replaceable in tests.
	Sleep func(context.Context, time.Duration) error
}

type Pool struct {
	store    *store.Store
	services *serviceCache
	opts     Options
	rrCursor uint64
}

func New(st *store.Store, opts Options) *Pool {
	if opts.Strategy == nil {
		opts.Strategy = func() string { return config.Get().Pool.Strategy }
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = config.Get().Pool.MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = config.Get().Pool.BaseDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Pool{store: st, services: newServiceCache(st), opts: opts}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Select picks a provider for the model, skipping excludeID when another
// account can serve. Exhausted accounts are only used when every
// non-exhausted account is filtered out.
func (p *Pool) Select(model string, excludeID int64) (*store.Provider, error) {
	strategy := p.opts.Strategy()

	providers, err := p.store.GetProvidersByStrategy(strategy)
	if err != nil {
		return nil, err
	}
	eligible := filterProviders(providers, model, excludeID)

	if len(eligible) == 0 {
		// Fall back to exhausted-but-healthy accounts.
		fallback, err := p.store.GetEnabledHealthyProviders()
		if err != nil {
			return nil, err
		}
		eligible = filterProviders(fallback, model, excludeID)
		if len(eligible) == 0 && excludeID > 0 {
			// The just-failed account is the only one left; reuse it
			// rather than failing the request outright.
			eligible = filterProviders(fallback, model, 0)
		}
		if len(eligible) > 0 {
			log.Warn().Str("model", model).Msg("all non-exhausted providers unavailable, using fallback set")
		} else if len(fallback) > 0 {
			// Accounts exist but none allow this model; say so instead
			// of claiming the pool is empty.
			return nil, kiro.ErrModelNotAvailable
		}
	}

	if len(eligible) == 0 {
		return nil, kiro.ErrNoAvailableProvider
	}

	if strategy == "round_robin" {
		idx := atomic.AddUint64(&p.rrCursor, 1) - 1
		return eligible[idx%uint64(len(eligible))], nil
	}
	return eligible[0], nil
}

func filterProviders(providers []*store.Provider, model string, excludeID int64) []*store.Provider {
	var out []*store.Provider
	for _, p := range providers {
		if p.ID == excludeID {
			continue
		}
		if !p.SupportsModel(model) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Service returns the cached upstream handle for a provider.
func (p *Pool) Service(prov *store.Provider) *kiro.Service {
	return p.services.get(prov)
}

// Invalidate drops the cached service after credential or lifecycle
// changes from the admin surface.
func (p *Pool) Invalidate(providerID int64) {
	p.services.invalidate(providerID)
}

// ReportSuccess bumps usage recency and clears any accumulated errors.
func (p *Pool) ReportSuccess(prov *store.Provider) {
	if err := p.store.UpdateProviderUsage(prov.ID); err != nil {
		log.Error().Err(err).Int64("provider", prov.ID).Msg("bump last_used_at")
	}
	if prov.ErrorCount > 0 {
		if err := p.store.MarkProviderHealthy(prov.ID); err != nil {
			log.Error().Err(err).Int64("provider", prov.ID).Msg("reset error count")
		}
	}
}

// ReportError credits a failure against the provider. Context-limit
// rejections are the request's fault and never count, and neither do
// cancellations: a caller hanging up says nothing about the account.
func (p *Pool) ReportError(prov *store.Provider, callErr error) {
	var ctxErr *kiro.ContextLimitExceededError
	if errors.As(callErr, &ctxErr) {
		return
	}
	if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
		return
	}
	if err := p.store.RecordProviderError(prov.ID, callErr.Error(), 0); err != nil {
		log.Error().Err(err).Int64("provider", prov.ID).Msg("record provider error")
	}
}

// Execute runs fn with retry-and-reselect. Failed attempts credit the
// account, non-retryable errors stop immediately, and the account that
// just failed is not chosen again on the next attempt.
func (p *Pool) Execute(ctx context.Context, model string, fn func(context.Context, *kiro.Service, *store.Provider) error) error {
	var lastErr error
	var lastFailed int64

	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		prov, err := p.Select(model, lastFailed)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err = fn(ctx, p.Service(prov), prov)
		if err == nil {
			p.ReportSuccess(prov)
			return nil
		}

		p.ReportError(prov, err)
		if !kiro.IsRetryable(err) {
			return err
		}

		lastErr = err
		lastFailed = prov.ID
		log.Warn().Err(err).Int64("provider", prov.ID).Int("attempt", attempt).Msg("attempt failed")

		if attempt < p.opts.MaxRetries {
			delay := p.opts.BaseDelay << (attempt - 1)
			if err := p.opts.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// AcquireStream selects once for a streaming request. Streams never
// reselect; the caller reports the outcome when the stream ends.
func (p *Pool) AcquireStream(model string) (*store.Provider, *kiro.Service, error) {
	prov, err := p.Select(model, 0)
	if err != nil {
		return nil, nil, err
	}
	return prov, p.Service(prov), nil
}
