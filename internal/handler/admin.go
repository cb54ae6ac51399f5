package handler

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"kiropool/internal/config"
	"kiropool/internal/health"
	"kiropool/internal/pool"
	"kiropool/internal/store"
	"kiropool/internal/usage"
	"kiropool/pkg/jwt"
)

// Settings keys the admin surface can change at runtime.
const SettingPoolStrategy = "pool.strategy"

var validStrategies = map[string]bool{
	"lru":          true,
	"round_robin":  true,
	"least_usage":  true,
	"most_usage":   true,
	"oldest_first": true,
}

// Admin serves the management API: login, provider CRUD, api keys,
// usage, runtime config, and stats.
type Admin struct {
	store      *store.Store
	pool       *pool.Pool
	monitor    *health.Monitor
	syncer     *usage.Syncer
	jwtManager *jwt.Manager
}

func NewAdmin(st *store.Store, pl *pool.Pool, mon *health.Monitor, sync *usage.Syncer, jm *jwt.Manager) *Admin {
	return &Admin{store: st, pool: pl, monitor: mon, syncer: sync, jwtManager: jm}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login checks the configured admin credentials and issues a session token.
func (h *Admin) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := config.Get()
	if cfg.Admin.Username == "" || req.Username != cfg.Admin.Username || req.Password != cfg.Admin.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	token, expiresAt, err := h.jwtManager.Generate(req.Username, cfg.JWT.SessionExpire)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate session token"})
		return
	}

	c.SetCookie("kiropool_session", token, int(cfg.JWT.SessionExpire.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt})
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// ListProviders returns all pooled accounts. Credentials never leave the
// server; the model's JSON tags strip them.
func (h *Admin) ListProviders(c *gin.Context) {
	providers, err := h.store.ListProviders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list providers"})
		return
	}
	if providers == nil {
		providers = []*store.Provider{}
	}
	c.JSON(http.StatusOK, providers)
}

func (h *Admin) GetProvider(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	p, err := h.store.GetProviderByID(id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load provider"})
		return
	}
	c.JSON(http.StatusOK, p)
}

type updateProviderRequest struct {
	Name           *string   `json:"name"`
	Region         *string   `json:"region"`
	MaxErrorCount  *int      `json:"maxErrorCount"`
	IsDisabled     *bool     `json:"isDisabled"`
	AllowedModels  *[]string `json:"allowedModels"`
	CheckHealth    *bool     `json:"checkHealth"`
	CheckModelName *string   `json:"checkModelName"`
}

// UpdateProvider patches the mutable fields and drops the cached service
// handle so the next request sees the change.
func (h *Admin) UpdateProvider(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req updateProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.store.GetProviderByID(id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load provider"})
		return
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Region != nil {
		p.Region = *req.Region
	}
	if req.MaxErrorCount != nil {
		if *req.MaxErrorCount <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "maxErrorCount must be positive"})
			return
		}
		p.MaxErrorCount = *req.MaxErrorCount
	}
	if req.IsDisabled != nil {
		p.IsDisabled = *req.IsDisabled
	}
	if req.AllowedModels != nil {
		// An explicit empty list clears the restriction.
		if len(*req.AllowedModels) == 0 {
			p.AllowedModels = nil
		} else {
			p.AllowedModels = *req.AllowedModels
		}
	}
	if req.CheckHealth != nil {
		p.CheckHealth = *req.CheckHealth
	}
	if req.CheckModelName != nil {
		p.CheckModelName = *req.CheckModelName
	}

	if err := h.store.UpdateProvider(p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update provider"})
		return
	}
	h.pool.Invalidate(id)
	c.JSON(http.StatusOK, p)
}

// EnableProvider resets the breaker and re-enables the account.
func (h *Admin) EnableProvider(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	p, err := h.store.GetProviderByID(id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load provider"})
		return
	}

	p.IsDisabled = false
	if err := h.store.UpdateProvider(p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update provider"})
		return
	}
	if err := h.store.MarkProviderHealthy(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset provider"})
		return
	}
	h.pool.Invalidate(id)
	c.JSON(http.StatusOK, gin.H{"message": "provider enabled"})
}

func (h *Admin) DeleteProvider(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	err := h.store.DeleteProvider(id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete provider"})
		return
	}
	h.pool.Invalidate(id)
	log.Info().Int64("provider", id).Msg("provider deleted")
	c.JSON(http.StatusOK, gin.H{"message": "provider deleted"})
}

// CheckProvider runs an immediate health probe.
func (h *Admin) CheckProvider(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	result, err := h.monitor.CheckProvider(c.Request.Context(), id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health check failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type createKeyRequest struct {
	Name       string `json:"name" binding:"required"`
	DailyLimit *int64 `json:"dailyLimit"`
}

// CreateAPIKey mints a new ingress key. The plaintext secret appears in
// this response and nowhere else.
func (h *Admin) CreateAPIKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dailyLimit := int64(-1)
	if req.DailyLimit != nil {
		dailyLimit = *req.DailyLimit
	}

	key, secret, err := h.store.CreateAPIKey(req.Name, dailyLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create api key"})
		return
	}

	log.Info().Int64("key", key.ID).Str("name", key.Name).Msg("api key created")
	c.JSON(http.StatusOK, gin.H{"key": key, "secret": secret})
}

func (h *Admin) ListAPIKeys(c *gin.Context) {
	keys, err := h.store.ListAPIKeys()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}
	if keys == nil {
		keys = []*store.APIKey{}
	}
	c.JSON(http.StatusOK, keys)
}

type updateKeyRequest struct {
	IsActive *bool `json:"isActive" binding:"required"`
}

func (h *Admin) UpdateAPIKey(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req updateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.SetAPIKeyActive(id, *req.IsActive); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update api key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "api key updated"})
}

func (h *Admin) DeleteAPIKey(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	err := h.store.DeleteAPIKey(id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete api key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "api key deleted"})
}

func usageView(p *store.Provider) gin.H {
	return gin.H{
		"id":             p.ID,
		"name":           p.Name,
		"accountType":    p.AccountType,
		"usageUsed":      p.UsageUsed,
		"usageLimit":     p.UsageLimit,
		"usagePercent":   p.UsagePercent,
		"usageExhausted": p.UsageExhausted,
		"lastUsageSync":  p.LastUsageSync,
	}
}

// Usage reports the cached quota snapshot for every provider.
func (h *Admin) Usage(c *gin.Context) {
	providers, err := h.store.ListProviders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list providers"})
		return
	}

	views := make([]gin.H, 0, len(providers))
	for _, p := range providers {
		views = append(views, usageView(p))
	}
	c.JSON(http.StatusOK, views)
}

// ProviderUsage syncs one provider's quota from upstream and returns the
// fresh snapshot.
func (h *Admin) ProviderUsage(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	p, err := h.store.GetProviderByID(id)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load provider"})
		return
	}

	if err := h.syncer.SyncProvider(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "usage sync failed: " + err.Error()})
		return
	}

	p, err = h.store.GetProviderByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload provider"})
		return
	}
	c.JSON(http.StatusOK, usageView(p))
}

// GetConfig returns the effective runtime configuration: file/env values
// overlaid with persisted settings.
func (h *Admin) GetConfig(c *gin.Context) {
	cfg := config.Get()
	settings, err := h.store.ListSettings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load settings"})
		return
	}

	strategy := cfg.Pool.Strategy
	if v := settings[SettingPoolStrategy]; v != "" {
		strategy = v
	}

	c.JSON(http.StatusOK, gin.H{
		"pool": gin.H{
			"strategy":      strategy,
			"maxErrorCount": cfg.Pool.MaxErrorCount,
			"maxRetries":    cfg.Pool.MaxRetries,
			"baseDelay":     cfg.Pool.BaseDelay.String(),
		},
		"health": gin.H{
			"enabled":       cfg.Health.Enabled,
			"checkInterval": cfg.Health.CheckInterval.String(),
			"checkModel":    cfg.Health.CheckModel,
		},
		"usage": gin.H{
			"enabled":        cfg.Usage.Enabled,
			"syncInterval":   cfg.Usage.SyncInterval.String(),
			"freeTierModels": cfg.Usage.FreeTierModels,
		},
	})
}

type updateConfigRequest struct {
	Strategy string `json:"strategy"`
}

// UpdateConfig persists runtime-changeable settings. Only the selection
// strategy is mutable without a restart.
func (h *Admin) UpdateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Strategy == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if !validStrategies[req.Strategy] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy " + strconv.Quote(req.Strategy)})
		return
	}

	if err := h.store.SetSetting(SettingPoolStrategy, req.Strategy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save setting"})
		return
	}
	log.Info().Str("strategy", req.Strategy).Msg("selection strategy changed")
	c.JSON(http.StatusOK, gin.H{"strategy": req.Strategy})
}

// Stats aggregates pool and monitor counters for the dashboard.
func (h *Admin) Stats(c *gin.Context) {
	providers, err := h.store.ListProviders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list providers"})
		return
	}

	var available, unhealthy, exhausted, disabled int
	for _, p := range providers {
		switch {
		case p.IsDisabled:
			disabled++
		case !p.IsHealthy:
			unhealthy++
		case p.UsageExhausted:
			exhausted++
		default:
			available++
		}
	}

	keys, err := h.store.ListAPIKeys()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"providers": gin.H{
			"total":     len(providers),
			"available": available,
			"unhealthy": unhealthy,
			"exhausted": exhausted,
			"disabled":  disabled,
		},
		"apiKeys": gin.H{"total": len(keys)},
		"health":  h.monitor.Stats(),
	})
}
