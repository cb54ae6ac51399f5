package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"kiropool/internal/kiro"
	"kiropool/internal/store"
)

const testModel = "claude-sonnet-4-5"

func newTestPool(t *testing.T, strategy string) (*Pool, *store.Store, *[]time.Duration) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var sleeps []time.Duration
	p := New(st, Options{
		Strategy:   func() string { return strategy },
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	})
	return p, st, &sleeps
}

func addProvider(t *testing.T, st *store.Store, name string) *store.Provider {
	t.Helper()
	p := &store.Provider{
		Name: name,
		Credentials: store.Credentials{
			AccessToken:  "at-" + name,
			RefreshToken: "rt-" + name,
			ExpiresAt:    time.Now().Add(time.Hour),
			AuthMethod:   "social",
		},
	}
	if err := st.CreateProvider(p); err != nil {
		t.Fatalf("create provider %s: %v", name, err)
	}
	return p
}

func TestSelectRoundRobinCycles(t *testing.T) {
	p, st, _ := newTestPool(t, "round_robin")
	a := addProvider(t, st, "a")
	b := addProvider(t, st, "b")
	c := addProvider(t, st, "c")

	want := []int64{a.ID, b.ID, c.ID, a.ID, b.ID, c.ID}
	for i, id := range want {
		got, err := p.Select(testModel, 0)
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if got.ID != id {
			t.Errorf("select %d = provider %d, want %d", i, got.ID, id)
		}
	}
}

func TestSelectSkipsModelFilteredProviders(t *testing.T) {
	p, st, _ := newTestPool(t, "lru")
	restricted := addProvider(t, st, "restricted")
	open := addProvider(t, st, "open")

	if err := st.UpdateProviderAllowedModels(restricted.ID, []string{"claude-haiku-4-5"}); err != nil {
		t.Fatal(err)
	}

	got, err := p.Select(testModel, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != open.ID {
		t.Errorf("selected provider %d, want %d", got.ID, open.ID)
	}

	// A model permitted on the restricted account may still land there.
	got, err = p.Select("claude-haiku-4-5", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != restricted.ID && got.ID != open.ID {
		t.Errorf("unexpected provider %d", got.ID)
	}
}

func TestSelectFallsBackToExhausted(t *testing.T) {
	p, st, _ := newTestPool(t, "lru")
	exhausted := addProvider(t, st, "exhausted")
	if err := st.UpdateProviderUsageCache(exhausted.ID, "{}", 100, 100, 100, true, "FREE"); err != nil {
		t.Fatal(err)
	}

	got, err := p.Select(testModel, 0)
	if err != nil {
		t.Fatalf("expected fallback to exhausted provider, got %v", err)
	}
	if got.ID != exhausted.ID {
		t.Errorf("selected provider %d, want %d", got.ID, exhausted.ID)
	}
}

func TestSelectNoAvailableProvider(t *testing.T) {
	p, st, _ := newTestPool(t, "lru")
	tripped := addProvider(t, st, "tripped")
	if err := st.MarkProviderUnhealthy(tripped.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	_, err := p.Select(testModel, 0)
	if !errors.Is(err, kiro.ErrNoAvailableProvider) {
		t.Fatalf("expected ErrNoAvailableProvider, got %v", err)
	}
}

func TestExecuteRetriesOnDifferentProvider(t *testing.T) {
	p, st, sleeps := newTestPool(t, "oldest_first")
	a := addProvider(t, st, "a")
	b := addProvider(t, st, "b")

	var used []int64
	err := p.Execute(context.Background(), testModel,
		func(_ context.Context, _ *kiro.Service, prov *store.Provider) error {
			used = append(used, prov.ID)
			if prov.ID == a.ID {
				return &kiro.UpstreamError{Status: 500, Message: "boom"}
			}
			return nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(used) != 2 || used[0] != a.ID || used[1] != b.ID {
		t.Errorf("attempt order = %v, want [%d %d]", used, a.ID, b.ID)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != time.Second {
		t.Errorf("backoff sleeps = %v, want [1s]", *sleeps)
	}

	// The failed account got an error credit, the successful one did not.
	got, _ := st.GetProviderByID(a.ID)
	if got.ErrorCount != 1 {
		t.Errorf("provider a error count = %d, want 1", got.ErrorCount)
	}
	got, _ = st.GetProviderByID(b.ID)
	if got.ErrorCount != 0 || got.LastUsedAt == nil {
		t.Errorf("provider b state: count=%d lastUsedAt=%v", got.ErrorCount, got.LastUsedAt)
	}
}

func TestExecuteBackoffDoubles(t *testing.T) {
	p, st, sleeps := newTestPool(t, "oldest_first")
	addProvider(t, st, "a")
	addProvider(t, st, "b")
	addProvider(t, st, "c")

	err := p.Execute(context.Background(), testModel,
		func(_ context.Context, _ *kiro.Service, _ *store.Provider) error {
			return &kiro.UpstreamError{Status: 503, Message: "unavailable"}
		})
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
}

func TestExecuteStopsOnContextLimit(t *testing.T) {
	p, st, sleeps := newTestPool(t, "oldest_first")
	a := addProvider(t, st, "a")
	addProvider(t, st, "b")

	var attempts int
	err := p.Execute(context.Background(), testModel,
		func(_ context.Context, _ *kiro.Service, _ *store.Provider) error {
			attempts++
			return &kiro.ContextLimitExceededError{}
		})

	var ctxErr *kiro.ContextLimitExceededError
	if !errors.As(err, &ctxErr) {
		t.Fatalf("expected context limit error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable)", attempts)
	}
	if len(*sleeps) != 0 {
		t.Errorf("no backoff expected, got %v", *sleeps)
	}

	// No error credit for a request-caused rejection.
	got, _ := st.GetProviderByID(a.ID)
	if got.ErrorCount != 0 {
		t.Errorf("error count = %d, want 0", got.ErrorCount)
	}
}

func TestExecuteBreakerTripsAfterRepeatedFailures(t *testing.T) {
	p, st, _ := newTestPool(t, "oldest_first")
	a := addProvider(t, st, "only")

	err := p.Execute(context.Background(), testModel,
		func(_ context.Context, _ *kiro.Service, _ *store.Provider) error {
			return &kiro.UpstreamError{Status: 500, Message: "boom"}
		})
	if err == nil {
		t.Fatal("expected failure")
	}

	got, _ := st.GetProviderByID(a.ID)
	if got.IsHealthy {
		t.Error("expected breaker tripped after three failures on the only account")
	}
	if got.ErrorCount < got.MaxErrorCount {
		t.Errorf("error_count %d < max %d while unhealthy", got.ErrorCount, got.MaxErrorCount)
	}
}

func TestServiceCacheInvalidatesOnCredentialChange(t *testing.T) {
	p, st, _ := newTestPool(t, "lru")
	prov := addProvider(t, st, "a")

	svc1 := p.Service(prov)
	if svc1 == nil {
		t.Fatal("nil service")
	}
	if got := p.Service(prov); got != svc1 {
		t.Error("expected cached service on unchanged credentials")
	}

	// Admin re-auth replaces the blob; the next lookup must rebuild.
	newCreds := prov.Credentials
	newCreds.AccessToken = "rotated"
	if err := st.UpdateProviderCredentials(prov.ID, newCreds); err != nil {
		t.Fatal(err)
	}
	fresh, err := st.GetProviderByID(prov.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Service(fresh); got == svc1 {
		t.Error("expected service rebuild after credential change")
	}
}

func TestAcquireStreamSelectsOnce(t *testing.T) {
	p, st, _ := newTestPool(t, "lru")
	a := addProvider(t, st, "a")
	if err := st.UpdateProviderAllowedModels(a.ID, []string{testModel}); err != nil {
		t.Fatal(err)
	}

	prov, svc, err := p.AcquireStream(testModel)
	if err != nil {
		t.Fatal(err)
	}
	if prov == nil || svc == nil {
		t.Fatal("nil provider or service")
	}

	_, _, err = p.AcquireStream("claude-opus-4-5")
	if !errors.Is(err, kiro.ErrModelNotAvailable) {
		t.Fatalf("expected ErrModelNotAvailable for a model no account allows, got %v", err)
	}
}

func TestSelectDistinguishesModelFromEmptyPool(t *testing.T) {
	p, st, _ := newTestPool(t, "lru")
	restricted := addProvider(t, st, "restricted")
	if err := st.UpdateProviderAllowedModels(restricted.ID, []string{"claude-haiku-4-5"}); err != nil {
		t.Fatal(err)
	}

	// Accounts exist but none allows the model.
	if _, err := p.Select("claude-opus-4-5", 0); !errors.Is(err, kiro.ErrModelNotAvailable) {
		t.Fatalf("expected ErrModelNotAvailable, got %v", err)
	}

	// Once the pool is genuinely empty, the generic error returns.
	if err := st.MarkProviderUnhealthy(restricted.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Select("claude-haiku-4-5", 0); !errors.Is(err, kiro.ErrNoAvailableProvider) {
		t.Fatalf("expected ErrNoAvailableProvider, got %v", err)
	}
}

func TestExecuteStopsOnCancelledRequest(t *testing.T) {
	p, st, sleeps := newTestPool(t, "oldest_first")
	a := addProvider(t, st, "a")
	addProvider(t, st, "b")

	var attempts int
	err := p.Execute(context.Background(), testModel,
		func(_ context.Context, _ *kiro.Service, _ *store.Provider) error {
			attempts++
			return context.Canceled
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (caller is gone)", attempts)
	}
	if len(*sleeps) != 0 {
		t.Errorf("no backoff expected, got %v", *sleeps)
	}

	// A caller hanging up must not count against the account.
	got, _ := st.GetProviderByID(a.ID)
	if got.ErrorCount != 0 {
		t.Errorf("error count = %d, want 0", got.ErrorCount)
	}
}
