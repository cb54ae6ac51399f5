// Package health probes pooled accounts with a minimal upstream request
// and flips their breaker state from the result. A failed probe trips
// the account immediately; a successful probe on a tripped account
// brings it back.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kiropool/internal/config"
	"kiropool/internal/kiro"
	"kiropool/internal/pool"
	"kiropool/internal/store"
)

// CheckResult is the outcome of one probe.
type CheckResult struct {
	ProviderID int64         `json:"providerId"`
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checkedAt"`
}

// Stats summarizes monitor activity for the admin surface.
type Stats struct {
	TotalChecks int64     `json:"totalChecks"`
	Healthy     int       `json:"healthy"`
	Unhealthy   int       `json:"unhealthy"`
	LastCheckAt time.Time `json:"lastCheckAt,omitempty"`
}

type Monitor struct {
	store *store.Store
	pool  *pool.Pool

	mu          sync.RWMutex
	totalChecks int64
	lastHealthy map[int64]bool
	lastCheckAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(st *store.Store, pl *pool.Pool) *Monitor {
	return &Monitor{store: st, pool: pl, lastHealthy: make(map[int64]bool)}
}

func (m *Monitor) Start(ctx context.Context) {
	cfg := config.Get().Health
	if !cfg.Enabled {
		log.Info().Msg("health monitor disabled")
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx, cfg.CheckInterval)

	log.Info().Dur("interval", cfg.CheckInterval).Str("model", cfg.CheckModel).Msg("health monitor started")
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	log.Info().Msg("health monitor stopped")
}

func (m *Monitor) run(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := m.CheckAll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("health check sweep failed")
				continue
			}
			healthy := 0
			for _, r := range results {
				if r.Healthy {
					healthy++
				}
			}
			log.Info().Int("total", len(results)).Int("healthy", healthy).Msg("health check sweep completed")
		}
	}
}

// CheckAll probes every enabled provider with checks turned on, including
// tripped ones so they can recover.
func (m *Monitor) CheckAll(ctx context.Context) ([]*CheckResult, error) {
	providers, err := m.store.GetProvidersForHealthCheck()
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	results := make([]*CheckResult, 0, len(providers))
	for _, p := range providers {
		results = append(results, m.probe(ctx, p))

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}

	m.mu.Lock()
	m.lastCheckAt = time.Now()
	m.mu.Unlock()
	return results, nil
}

// CheckProvider runs an immediate probe for the admin force-check endpoint.
func (m *Monitor) CheckProvider(ctx context.Context, providerID int64) (*CheckResult, error) {
	p, err := m.store.GetProviderByID(providerID)
	if err != nil {
		return nil, err
	}
	return m.probe(ctx, p), nil
}

func (m *Monitor) probe(ctx context.Context, p *store.Provider) *CheckResult {
	cfg := config.Get().Health
	start := time.Now()
	result := &CheckResult{ProviderID: p.ID, CheckedAt: start}

	m.mu.Lock()
	m.totalChecks++
	m.mu.Unlock()

	model := p.CheckModelName
	if model == "" {
		model = cfg.CheckModel
	}

	err := m.sendProbe(ctx, p, model, cfg.Timeout)
	result.Latency = time.Since(start)
	result.Healthy = err == nil

	if err != nil {
		result.Error = err.Error()
		log.Warn().Int64("provider", p.ID).Err(err).Dur("latency", result.Latency).Msg("health probe failed")
		// One failed probe trips the breaker.
		if recErr := m.store.RecordProviderError(p.ID, "health probe: "+err.Error(), 1); recErr != nil {
			log.Error().Err(recErr).Int64("provider", p.ID).Msg("record probe failure")
		}
	} else {
		log.Debug().Int64("provider", p.ID).Dur("latency", result.Latency).Msg("health probe passed")
		if !p.IsHealthy || p.ErrorCount > 0 {
			if markErr := m.store.MarkProviderHealthy(p.ID); markErr != nil {
				log.Error().Err(markErr).Int64("provider", p.ID).Msg("mark provider healthy")
			} else if !p.IsHealthy {
				log.Info().Int64("provider", p.ID).Msg("provider recovered")
			}
		}
	}

	m.mu.Lock()
	m.lastHealthy[p.ID] = result.Healthy
	m.mu.Unlock()
	return result
}

func (m *Monitor) sendProbe(ctx context.Context, p *store.Provider, model string, timeout time.Duration) error {
	modelID, ok := kiro.UpstreamModelID(model)
	if !ok {
		return fmt.Errorf("unknown check model %q", model)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	svc := m.pool.Service(p)
	_, err := svc.CallAPI(ctx, &kiro.GenerateRequest{
		ConversationState: kiro.ConversationState{
			CurrentMessage: kiro.CurrentMessage{
				UserInputMessage: kiro.UserInputMessage{
					Content: "Hi",
					ModelID: modelID,
					Origin:  "AI_EDITOR",
				},
			},
		},
	})
	// A context-limit rejection still proves the credentials work.
	var ctxErr *kiro.ContextLimitExceededError
	if errors.As(err, &ctxErr) {
		return nil
	}
	return err
}

func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	healthy, unhealthy := 0, 0
	for _, ok := range m.lastHealthy {
		if ok {
			healthy++
		} else {
			unhealthy++
		}
	}
	return Stats{
		TotalChecks: m.totalChecks,
		Healthy:     healthy,
		Unhealthy:   unhealthy,
		LastCheckAt: m.lastCheckAt,
	}
}
