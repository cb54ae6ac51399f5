package store

import (
	"database/sql"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestProvider(t *testing.T, s *Store, name string) *Provider {
	t.Helper()
	p := &Provider{
		Name:   name,
		Region: "us-east-1",
		Credentials: Credentials{
			AccessToken:  "at-" + name,
			RefreshToken: "rt-" + name,
			ExpiresAt:    time.Now().Add(time.Hour),
			AuthMethod:   "social",
			ProfileArn:   "arn:aws:codewhisperer:us-east-1:123:profile/x",
		},
	}
	if err := s.CreateProvider(p); err != nil {
		t.Fatalf("create provider %s: %v", name, err)
	}
	return p
}

func TestCreateAndGetProvider(t *testing.T) {
	s := newTestStore(t)
	p := newTestProvider(t, s, "acct-1")

	if p.ID == 0 || p.UUID == "" {
		t.Fatalf("expected id and uuid to be assigned, got id=%d uuid=%q", p.ID, p.UUID)
	}

	got, err := s.GetProviderByID(p.ID)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if got.Name != "acct-1" || !got.IsHealthy || got.ErrorCount != 0 {
		t.Errorf("unexpected provider state: %+v", got)
	}
	if got.Credentials.AccessToken != "at-acct-1" {
		t.Errorf("credentials not round-tripped: %+v", got.Credentials)
	}
	if got.MaxErrorCount != 3 {
		t.Errorf("expected default max error count 3, got %d", got.MaxErrorCount)
	}
	if got.AllowedModels != nil {
		t.Errorf("expected nil allow-list (all models), got %v", got.AllowedModels)
	}
}

func TestRecordProviderErrorTripsBreaker(t *testing.T) {
	s := newTestStore(t)
	p := newTestProvider(t, s, "acct-1")

	for i := 1; i <= 2; i++ {
		if err := s.RecordProviderError(p.ID, "upstream 500", 0); err != nil {
			t.Fatalf("record error %d: %v", i, err)
		}
		got, _ := s.GetProviderByID(p.ID)
		if !got.IsHealthy {
			t.Fatalf("tripped after %d errors, want threshold 3", i)
		}
		if got.ErrorCount != i {
			t.Errorf("after %d errors count=%d", i, got.ErrorCount)
		}
	}

	if err := s.RecordProviderError(p.ID, "upstream 500", 0); err != nil {
		t.Fatalf("record error 3: %v", err)
	}
	got, _ := s.GetProviderByID(p.ID)
	if got.IsHealthy {
		t.Fatal("expected unhealthy after reaching max error count")
	}
	if got.ErrorCount < got.MaxErrorCount {
		t.Errorf("unhealthy provider must have error_count >= max: %d < %d",
			got.ErrorCount, got.MaxErrorCount)
	}
	if got.LastErrorMessage != "upstream 500" {
		t.Errorf("last error message = %q", got.LastErrorMessage)
	}
}

func TestRecordProviderErrorWithOverride(t *testing.T) {
	// Health probes trip on the first failure but the stored count must
	// still satisfy error_count >= max_error_count.
	s := newTestStore(t)
	p := newTestProvider(t, s, "acct-1")

	if err := s.RecordProviderError(p.ID, "probe failed", 1); err != nil {
		t.Fatalf("record error: %v", err)
	}
	got, _ := s.GetProviderByID(p.ID)
	if got.IsHealthy {
		t.Fatal("expected unhealthy after probe failure with override 1")
	}
	if got.ErrorCount < got.MaxErrorCount {
		t.Errorf("error_count %d < max %d while unhealthy", got.ErrorCount, got.MaxErrorCount)
	}
}

func TestMarkProviderHealthyResetsBreaker(t *testing.T) {
	s := newTestStore(t)
	p := newTestProvider(t, s, "acct-1")

	if err := s.MarkProviderUnhealthy(p.ID, "refresh failed"); err != nil {
		t.Fatalf("mark unhealthy: %v", err)
	}
	if err := s.MarkProviderHealthy(p.ID); err != nil {
		t.Fatalf("mark healthy: %v", err)
	}

	got, _ := s.GetProviderByID(p.ID)
	if !got.IsHealthy || got.ErrorCount != 0 {
		t.Errorf("expected healthy with zero errors, got healthy=%v count=%d",
			got.IsHealthy, got.ErrorCount)
	}
}

func TestGetAvailableProvidersFiltering(t *testing.T) {
	s := newTestStore(t)
	healthy := newTestProvider(t, s, "healthy")
	tripped := newTestProvider(t, s, "tripped")
	disabled := newTestProvider(t, s, "disabled")
	exhausted := newTestProvider(t, s, "exhausted")

	if err := s.MarkProviderUnhealthy(tripped.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	disabled.IsDisabled = true
	if err := s.UpdateProvider(disabled); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProviderUsageCache(exhausted.ID, "{}", 100, 100, 100, true, "FREE"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAvailableProviders()
	if err != nil {
		t.Fatalf("get available: %v", err)
	}
	if len(got) != 1 || got[0].ID != healthy.ID {
		t.Fatalf("expected only the healthy provider, got %d providers", len(got))
	}

	// Exhausted-but-healthy providers come back in the fallback set.
	fallback, err := s.GetEnabledHealthyProviders()
	if err != nil {
		t.Fatalf("get fallback: %v", err)
	}
	if len(fallback) != 2 {
		t.Fatalf("expected healthy+exhausted in fallback set, got %d", len(fallback))
	}
}

func TestGetProvidersByStrategyOrdering(t *testing.T) {
	s := newTestStore(t)
	a := newTestProvider(t, s, "a")
	b := newTestProvider(t, s, "b")
	c := newTestProvider(t, s, "c")

	// b used most recently, a earlier, c never used.
	if err := s.UpdateProviderUsage(a.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond) // datetime('now') has second resolution
	if err := s.UpdateProviderUsage(b.ID); err != nil {
		t.Fatal(err)
	}

	// Remaining quota: a=10, b=50, c=90.
	s.UpdateProviderUsageCache(a.ID, "{}", 90, 100, 90, false, "PRO")
	s.UpdateProviderUsageCache(b.ID, "{}", 50, 100, 50, false, "PRO")
	s.UpdateProviderUsageCache(c.ID, "{}", 10, 100, 10, false, "PRO")

	tests := []struct {
		strategy string
		want     []int64
	}{
		{"lru", []int64{c.ID, a.ID, b.ID}},
		{"round_robin", []int64{a.ID, b.ID, c.ID}},
		{"least_usage", []int64{a.ID, b.ID, c.ID}},
		{"most_usage", []int64{c.ID, b.ID, a.ID}},
		{"oldest_first", []int64{a.ID, b.ID, c.ID}},
	}

	for _, tt := range tests {
		got, err := s.GetProvidersByStrategy(tt.strategy)
		if err != nil {
			t.Fatalf("%s: %v", tt.strategy, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %d providers, want %d", tt.strategy, len(got), len(tt.want))
		}
		for i, want := range tt.want {
			if got[i].ID != want {
				t.Errorf("%s: position %d = provider %d, want %d", tt.strategy, i, got[i].ID, want)
			}
		}
	}
}

func TestAllowedModelsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := newTestProvider(t, s, "acct-1")

	models := []string{"claude-sonnet-4-5", "claude-haiku-4-5"}
	if err := s.UpdateProviderAllowedModels(p.ID, models); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetProviderByID(p.ID)
	if !got.SupportsModel("claude-sonnet-4-5") {
		t.Error("expected listed model to be supported")
	}
	if got.SupportsModel("claude-opus-4-5") {
		t.Error("expected unlisted model to be rejected")
	}

	// Clearing the list restores all-models behavior.
	if err := s.UpdateProviderAllowedModels(p.ID, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetProviderByID(p.ID)
	if !got.SupportsModel("claude-opus-4-5") {
		t.Error("nil allow-list must permit every model")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)

	key, secret, err := s.CreateAPIKey("ci", 2)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if secret == "" || secret[:3] != "kp-" {
		t.Fatalf("unexpected secret %q", secret)
	}
	if key.KeyPrefix != secret[:8] {
		t.Errorf("prefix %q does not match the first 8 characters of the secret", key.KeyPrefix)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.ValidateAPIKey(secret); err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
	}
	if _, err := s.ValidateAPIKey(secret); err != ErrKeyExhausted {
		t.Errorf("expected ErrKeyExhausted after daily limit, got %v", err)
	}

	if _, err := s.ValidateAPIKey("kp-bogus"); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound for unknown key, got %v", err)
	}

	if err := s.SetAPIKeyActive(key.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ValidateAPIKey(secret); err != ErrKeyDisabled {
		t.Errorf("expected ErrKeyDisabled, got %v", err)
	}
}

func TestOAuthSessionStateMachine(t *testing.T) {
	s := newTestStore(t)

	sess := &OAuthSession{
		SessionID: "sess-1",
		Type:      "social",
		Provider:  "Google",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.CreateOAuthSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := s.GetOAuthSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != SessionPending {
		t.Fatalf("new session status = %q", got.Status)
	}

	if err := s.CompleteOAuthSession("sess-1", `{"accessToken":"at"}`); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = s.GetOAuthSession("sess-1")
	if got.Status != SessionCompleted || got.CredentialsJSON == "" {
		t.Errorf("completed session: status=%q creds=%q", got.Status, got.CredentialsJSON)
	}

	// Terminal states are final.
	if err := s.FailOAuthSession("sess-1", SessionCancelled, ""); err != sql.ErrNoRows {
		t.Errorf("expected transition from terminal state to fail, got %v", err)
	}

	if err := s.DeleteOAuthSession("sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetOAuthSession("sess-1"); err != sql.ErrNoRows {
		t.Errorf("expected deleted session to be gone, got %v", err)
	}
}

func TestSweepExpiresOverdueSessions(t *testing.T) {
	s := newTestStore(t)

	overdue := &OAuthSession{
		SessionID: "sess-old",
		Type:      "builder-id",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	fresh := &OAuthSession{
		SessionID: "sess-new",
		Type:      "builder-id",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.CreateOAuthSession(overdue); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateOAuthSession(fresh); err != nil {
		t.Fatal(err)
	}

	expired, err := s.SweepOAuthSessions(time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired %d sessions, want 1", expired)
	}

	got, _ := s.GetOAuthSession("sess-old")
	if got.Status != SessionExpired {
		t.Errorf("overdue session status = %q", got.Status)
	}
	got, _ = s.GetOAuthSession("sess-new")
	if got.Status != SessionPending {
		t.Errorf("fresh session status = %q", got.Status)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if v, err := s.GetSetting("providerStrategy"); err != nil || v != "" {
		t.Fatalf("missing setting: v=%q err=%v", v, err)
	}
	if err := s.SetSetting("providerStrategy", "round_robin"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting("providerStrategy", "least_usage"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetSetting("providerStrategy"); v != "least_usage" {
		t.Errorf("setting = %q, want least_usage", v)
	}
}
