package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"kiropool/internal/config"
	"kiropool/internal/health"
	"kiropool/internal/oauth"
	"kiropool/internal/pool"
	"kiropool/internal/store"
	"kiropool/internal/usage"
	"kiropool/pkg/jwt"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store, *jwt.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Get()
	cfg.Admin.Username = "admin"
	cfg.Admin.Password = "pw"

	pl := pool.New(st, pool.Options{MaxRetries: 1, BaseDelay: time.Millisecond})
	jm := jwt.NewManager("test-secret", "kiropool")
	router := NewRouter(Deps{
		Store:      st,
		Pool:       pl,
		Monitor:    health.NewMonitor(st, pl),
		Syncer:     usage.NewSyncer(st, pl),
		Engine:     oauth.NewEngine(st),
		JWTManager: jm,
	})
	return router, st, jm
}

func doJSON(router *gin.Engine, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func adminHeader(t *testing.T, jm *jwt.Manager) map[string]string {
	t.Helper()
	token, _, err := jm.Generate("admin", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func newIngressKey(t *testing.T, st *store.Store, dailyLimit int64) string {
	t.Helper()
	_, secret, err := st.CreateAPIKey("test", dailyLimit)
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	return secret
}

func TestIngressRequiresAPIKey(t *testing.T) {
	router, st, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", w.Code)
	}

	// A valid key gets past auth; with no pooled accounts the request
	// then fails with 400, not 401.
	secret := newIngressKey(t, st, -1)
	w = doJSON(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer " + secret})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("with key: status = %d, want 400: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if resp.Error.Message == "" {
		t.Error("expected an error message in the OpenAI envelope")
	}
	if resp.Error.Code != "model_not_available" {
		t.Errorf("error code = %q, want model_not_available", resp.Error.Code)
	}
}

func TestMessagesAcceptsXAPIKeyHeader(t *testing.T) {
	router, st, _ := newTestRouter(t)
	secret := newIngressKey(t, st, -1)

	w := doJSON(router, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-20250514","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"x-api-key": secret})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "model_not_available") {
		t.Errorf("expected model_not_available in envelope: %s", w.Body.String())
	}
}

func TestAPIKeyDailyLimitEnforced(t *testing.T) {
	router, st, _ := newTestRouter(t)
	secret := newIngressKey(t, st, 1)
	header := map[string]string{"Authorization": "Bearer " + secret}
	body := `{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`

	if w := doJSON(router, http.MethodPost, "/v1/chat/completions", body, header); w.Code != http.StatusBadRequest {
		t.Fatalf("first call: status = %d", w.Code)
	}
	if w := doJSON(router, http.MethodPost, "/v1/chat/completions", body, header); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second call: status = %d, want 429", w.Code)
	}
}

func TestChatCompletionsRejectsBadBody(t *testing.T) {
	router, st, _ := newTestRouter(t)
	secret := newIngressKey(t, st, -1)

	w := doJSON(router, http.MethodPost, "/v1/chat/completions", `{not json`,
		map[string]string{"Authorization": "Bearer " + secret})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestModelsIsPublic(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/models", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "claude-opus-4-5") {
		t.Errorf("model list missing expected entry: %s", w.Body.String())
	}
}

func TestHealthReflectsPoolState(t *testing.T) {
	router, st, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "degraded") {
		t.Fatalf("empty pool: status = %d body = %s", w.Code, w.Body.String())
	}
	var probe struct {
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &probe); err != nil || probe.Timestamp.IsZero() {
		t.Errorf("health body missing timestamp: %s", w.Body.String())
	}

	p := &store.Provider{Name: "a", Credentials: store.Credentials{AccessToken: "at"}}
	if err := st.CreateProvider(p); err != nil {
		t.Fatal(err)
	}

	w = doJSON(router, http.MethodGet, "/health", "", nil)
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("with provider: body = %s", w.Body.String())
	}
}

func TestAdminLogin(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status = %d", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"pw"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response: %s", w.Body.String())
	}

	// The issued token opens the admin surface.
	w = doJSON(router, http.MethodGet, "/api/stats", "", map[string]string{"Authorization": "Bearer " + resp.Token})
	if w.Code != http.StatusOK {
		t.Errorf("stats with login token: status = %d", w.Code)
	}
}

func TestAdminSurfaceRequiresToken(t *testing.T) {
	router, _, jm := newTestRouter(t)

	if w := doJSON(router, http.MethodGet, "/api/providers", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}
	if w := doJSON(router, http.MethodGet, "/api/providers", "",
		map[string]string{"Authorization": "Bearer not-a-token"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d", w.Code)
	}
	if w := doJSON(router, http.MethodGet, "/api/providers", "", adminHeader(t, jm)); w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", w.Code)
	}
}

func TestProviderListNeverLeaksCredentials(t *testing.T) {
	router, st, jm := newTestRouter(t)

	p := &store.Provider{
		Name: "leaky",
		Credentials: store.Credentials{
			AccessToken:  "super-secret-access-token",
			RefreshToken: "super-secret-refresh-token",
			ClientSecret: "super-secret-client-secret",
		},
	}
	if err := st.CreateProvider(p); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/api/providers", "/api/providers/1", "/api/usage"} {
		w := doJSON(router, http.MethodGet, path, "", adminHeader(t, jm))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
		if strings.Contains(w.Body.String(), "super-secret") {
			t.Errorf("%s leaks credentials: %s", path, w.Body.String())
		}
	}
}

func TestProviderUpdateAndDelete(t *testing.T) {
	router, st, jm := newTestRouter(t)
	header := adminHeader(t, jm)

	p := &store.Provider{Name: "a", Credentials: store.Credentials{AccessToken: "at"}}
	if err := st.CreateProvider(p); err != nil {
		t.Fatal(err)
	}

	w := doJSON(router, http.MethodPut, "/api/providers/1",
		`{"name":"renamed","isDisabled":true,"allowedModels":["claude-haiku-4-5"]}`, header)
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d: %s", w.Code, w.Body.String())
	}

	got, err := st.GetProviderByID(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "renamed" || !got.IsDisabled || len(got.AllowedModels) != 1 {
		t.Errorf("after update: %+v", got)
	}

	// Enable resets the disable flag and the breaker.
	if w := doJSON(router, http.MethodPost, "/api/providers/1/enable", "", header); w.Code != http.StatusOK {
		t.Fatalf("enable: status = %d", w.Code)
	}
	got, _ = st.GetProviderByID(1)
	if got.IsDisabled || !got.IsHealthy {
		t.Errorf("after enable: %+v", got)
	}

	if w := doJSON(router, http.MethodDelete, "/api/providers/1", "", header); w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if w := doJSON(router, http.MethodDelete, "/api/providers/1", "", header); w.Code != http.StatusNotFound {
		t.Fatalf("delete again: status = %d, want 404", w.Code)
	}
}

func TestAPIKeyAdminLifecycle(t *testing.T) {
	router, _, jm := newTestRouter(t)
	header := adminHeader(t, jm)

	w := doJSON(router, http.MethodPost, "/api/keys", `{"name":"ci","dailyLimit":100}`, header)
	if w.Code != http.StatusOK {
		t.Fatalf("create: status = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Key    *store.APIKey `json:"key"`
		Secret string        `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Secret == "" || !strings.HasPrefix(created.Secret, "kp-") {
		t.Fatalf("secret = %q", created.Secret)
	}
	if created.Key.DailyLimit != 100 {
		t.Errorf("dailyLimit = %d", created.Key.DailyLimit)
	}

	// Listings expose the prefix, never the full secret.
	w = doJSON(router, http.MethodGet, "/api/keys", "", header)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), created.Secret) {
		t.Error("key listing leaks the full secret")
	}
	if !strings.Contains(w.Body.String(), created.Key.KeyPrefix) {
		t.Error("key listing missing prefix")
	}

	if w := doJSON(router, http.MethodPut, "/api/keys/1", `{"isActive":false}`, header); w.Code != http.StatusOK {
		t.Fatalf("deactivate: status = %d", w.Code)
	}
	if w := doJSON(router, http.MethodDelete, "/api/keys/1", "", header); w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if w := doJSON(router, http.MethodDelete, "/api/keys/1", "", header); w.Code != http.StatusNotFound {
		t.Fatalf("delete again: status = %d", w.Code)
	}
}

func TestConfigStrategyRoundTrip(t *testing.T) {
	router, st, jm := newTestRouter(t)
	header := adminHeader(t, jm)

	if w := doJSON(router, http.MethodPut, "/api/config", `{"strategy":"alphabetical"}`, header); w.Code != http.StatusBadRequest {
		t.Fatalf("bad strategy: status = %d", w.Code)
	}

	if w := doJSON(router, http.MethodPut, "/api/config", `{"strategy":"round_robin"}`, header); w.Code != http.StatusOK {
		t.Fatalf("set strategy: status = %d", w.Code)
	}
	if v, _ := st.GetSetting(SettingPoolStrategy); v != "round_robin" {
		t.Errorf("persisted strategy = %q", v)
	}

	w := doJSON(router, http.MethodGet, "/api/config", "", header)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"strategy":"round_robin"`) {
		t.Errorf("get config: %s", w.Body.String())
	}
}

func TestStatsCountsProviders(t *testing.T) {
	router, st, jm := newTestRouter(t)

	for _, p := range []*store.Provider{
		{Name: "up", Credentials: store.Credentials{AccessToken: "a"}},
		{Name: "off", IsDisabled: true, Credentials: store.Credentials{AccessToken: "b"}},
	} {
		if err := st.CreateProvider(p); err != nil {
			t.Fatal(err)
		}
	}

	w := doJSON(router, http.MethodGet, "/api/stats", "", adminHeader(t, jm))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Providers struct {
			Total     int `json:"total"`
			Available int `json:"available"`
			Disabled  int `json:"disabled"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Providers.Total != 2 || resp.Providers.Available != 1 || resp.Providers.Disabled != 1 {
		t.Errorf("providers = %+v", resp.Providers)
	}
}

func TestOAuthStartRejectsUnknownType(t *testing.T) {
	router, _, jm := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/oauth/start", `{"type":"magic"}`, adminHeader(t, jm))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestOAuthStatusUnknownSession(t *testing.T) {
	router, _, jm := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/api/oauth/nope/status", "", adminHeader(t, jm))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
