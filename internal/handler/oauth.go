package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"kiropool/internal/kiro"
	"kiropool/internal/oauth"
)

// OAuth exposes the account authorization flows to the admin UI.
type OAuth struct {
	engine *oauth.Engine
}

func NewOAuth(engine *oauth.Engine) *OAuth {
	return &OAuth{engine: engine}
}

type startOAuthRequest struct {
	Type string `json:"type" binding:"required"` // social | builder-id | identity-center
	// Social flow.
	Provider string `json:"provider"` // Google | GitHub
	Region   string `json:"region"`
	// Device flows.
	StartURL  string `json:"startUrl"`
	SSORegion string `json:"ssoRegion"`
}

// Start begins an authorization flow and returns what the user needs to
// continue it: a browser URL for social, a device code otherwise.
func (h *OAuth) Start(c *gin.Context) {
	var req startOAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var result *oauth.StartResult
	var err error
	switch req.Type {
	case kiro.AuthMethodSocial:
		provider := req.Provider
		if provider == "" {
			provider = "Google"
		}
		if provider != "Google" && provider != "GitHub" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provider must be Google or GitHub"})
			return
		}
		result, err = h.engine.StartSocial(provider, req.Region)
	case kiro.AuthMethodBuilderID:
		result, err = h.engine.StartBuilderID(req.SSORegion)
	case kiro.AuthMethodIdC:
		result, err = h.engine.StartIdC(req.StartURL, req.SSORegion)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be social, builder-id, or identity-center"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("type", req.Type).Msg("start oauth flow")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Status polls one session. An optional wait parameter blocks until the
// session leaves pending or the wait elapses.
func (h *OAuth) Status(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if waitStr := c.Query("wait"); waitStr != "" {
		wait, err := time.ParseDuration(waitStr)
		if err != nil || wait <= 0 || wait > 5*time.Minute {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait duration"})
			return
		}
		sess, err := h.engine.WaitForAuth(c.Request.Context(), sessionID, wait)
		if err != nil {
			h.sessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
		return
	}

	sess, err := h.engine.Status(sessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type completeOAuthRequest struct {
	Name string `json:"name"`
}

// Complete turns a finished session into a pooled provider.
func (h *OAuth) Complete(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req completeOAuthRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	p, err := h.engine.Complete(sessionID, req.Name)
	if err != nil {
		if errors.Is(err, oauth.ErrSessionNotDone) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Cancel aborts a pending flow.
func (h *OAuth) Cancel(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.engine.Cancel(sessionID); err != nil {
		if errors.Is(err, oauth.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session cancelled"})
}

func (h *OAuth) sessionError(c *gin.Context, err error) {
	if errors.Is(err, oauth.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
