package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"kiropool/internal/config"
	"kiropool/internal/converter"
	"kiropool/internal/kiro"
	"kiropool/internal/pool"
	"kiropool/internal/store"
)

// Proxy serves the client-facing completion endpoints in both dialects.
type Proxy struct {
	store *store.Store
	pool  *pool.Pool
}

func NewProxy(st *store.Store, pl *pool.Pool) *Proxy {
	return &Proxy{store: st, pool: pl}
}

// errorStatus maps an execution error to the client-facing HTTP status,
// a machine-readable code when one applies, and a message.
func errorStatus(err error) (int, string, string) {
	var ctxErr *kiro.ContextLimitExceededError
	if errors.As(err, &ctxErr) {
		return http.StatusBadRequest, "", ctxErr.Error()
	}
	if errors.Is(err, kiro.ErrModelNotAvailable) {
		return http.StatusBadRequest, "model_not_available", "the requested model is not available"
	}
	if errors.Is(err, kiro.ErrNoAvailableProvider) {
		return http.StatusBadRequest, "model_not_available", "no upstream account can serve the requested model"
	}
	var upErr *kiro.UpstreamError
	if errors.As(err, &upErr) {
		switch {
		case upErr.Status == http.StatusTooManyRequests:
			return http.StatusTooManyRequests, "", "upstream rate limited"
		case upErr.Status >= 400 && upErr.Status < 500 &&
			upErr.Status != http.StatusUnauthorized && upErr.Status != http.StatusForbidden:
			return http.StatusBadRequest, "", upErr.Message
		}
		return http.StatusBadGateway, "", "upstream request failed"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 499, "", "request cancelled"
	}
	return http.StatusBadGateway, "", "upstream request failed"
}

func promptChars(chat *converter.ChatRequest) int {
	n := len(chat.System)
	for _, m := range chat.Messages {
		n += len(m.Content)
		for _, tr := range m.ToolResults {
			n += len(tr.Content)
		}
	}
	return n
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Proxy) ChatCompletions(c *gin.Context) {
	var req converter.OpenAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, converter.ToOpenAIError(http.StatusBadRequest, "invalid request body: "+err.Error()))
		return
	}

	chat, err := converter.FromOpenAI(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, converter.ToOpenAIError(http.StatusBadRequest, err.Error()))
		return
	}

	gen, err := converter.ToGenerateRequest(chat, config.Get().Proxy.SystemPrompt)
	if err != nil {
		status, code, msg := errorStatus(err)
		c.JSON(status, converter.ToOpenAIErrorCode(status, code, msg))
		return
	}

	if chat.Stream {
		h.stream(c, chat, gen, converter.NewOpenAIStreamEmitter(c.Writer, chat.Model),
			func(status int, code, msg string) { c.JSON(status, converter.ToOpenAIErrorCode(status, code, msg)) })
		return
	}

	var result *kiro.CompletionResult
	err = h.pool.Execute(c.Request.Context(), chat.Model,
		func(ctx context.Context, svc *kiro.Service, _ *store.Provider) error {
			var callErr error
			result, callErr = svc.CallAPI(ctx, gen)
			return callErr
		})
	if err != nil {
		status, code, msg := errorStatus(err)
		c.JSON(status, converter.ToOpenAIErrorCode(status, code, msg))
		return
	}

	c.JSON(http.StatusOK, converter.ToOpenAIResponse(chat.Model, result, promptChars(chat)))
}

// Messages handles POST /v1/messages.
func (h *Proxy) Messages(c *gin.Context) {
	var req converter.ClaudeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, converter.ToClaudeError(http.StatusBadRequest, "invalid request body: "+err.Error()))
		return
	}

	chat, err := converter.FromClaude(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, converter.ToClaudeError(http.StatusBadRequest, err.Error()))
		return
	}

	gen, err := converter.ToGenerateRequest(chat, config.Get().Proxy.SystemPrompt)
	if err != nil {
		status, code, msg := errorStatus(err)
		c.JSON(status, converter.ToClaudeErrorCode(status, code, msg))
		return
	}

	if chat.Stream {
		h.stream(c, chat, gen, converter.NewClaudeStreamEmitter(c.Writer, chat.Model),
			func(status int, code, msg string) { c.JSON(status, converter.ToClaudeErrorCode(status, code, msg)) })
		return
	}

	var result *kiro.CompletionResult
	err = h.pool.Execute(c.Request.Context(), chat.Model,
		func(ctx context.Context, svc *kiro.Service, _ *store.Provider) error {
			var callErr error
			result, callErr = svc.CallAPI(ctx, gen)
			return callErr
		})
	if err != nil {
		status, code, msg := errorStatus(err)
		c.JSON(status, converter.ToClaudeErrorCode(status, code, msg))
		return
	}

	c.JSON(http.StatusOK, converter.ToClaudeResponse(chat.Model, result, promptChars(chat)))
}

// stream serves an SSE response. The account is acquired once; the first
// frame is pre-fetched so upstream rejections still produce a plain HTTP
// error instead of a broken event stream.
func (h *Proxy) stream(c *gin.Context, chat *converter.ChatRequest, gen *kiro.GenerateRequest,
	emitter converter.StreamEmitter, httpError func(int, string, string)) {

	prov, svc, err := h.pool.AcquireStream(chat.Model)
	if err != nil {
		status, code, msg := errorStatus(err)
		httpError(status, code, msg)
		return
	}

	upstream, err := svc.StreamAPI(c.Request.Context(), gen)
	if err != nil {
		h.pool.ReportError(prov, err)
		status, code, msg := errorStatus(err)
		httpError(status, code, msg)
		return
	}
	defer upstream.Close()

	// First-frame pre-fetch: not a retry attempt, only a chance to fail
	// before SSE headers are committed.
	first, err := upstream.Next()
	if err != nil && err != io.EOF {
		h.pool.ReportError(prov, err)
		status, code, msg := errorStatus(err)
		httpError(status, code, msg)
		return
	}
	if first != nil {
		if evErr := kiro.EventError(first); evErr != nil {
			h.pool.ReportError(prov, evErr)
			status, code, msg := errorStatus(evErr)
			httpError(status, code, msg)
			return
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	if emitErr := emitter.Start(); emitErr != nil {
		return
	}

	acc := kiro.NewToolUseAccumulator()
	emitEvent := func(ev *kiro.Event) error {
		switch ev.Type {
		case "assistantResponseEvent":
			a, decErr := kiro.DecodeAssistantEvent(ev.Payload)
			if decErr != nil {
				return decErr
			}
			return emitter.Text(a.Content)
		case "toolUseEvent":
			tu, decErr := kiro.DecodeToolUseEvent(ev.Payload)
			if decErr != nil {
				return decErr
			}
			if done := acc.Feed(tu); done != nil {
				return emitter.ToolCall(*done)
			}
		}
		return nil
	}

	if first != nil {
		if emitErr := emitEvent(first); emitErr != nil {
			log.Warn().Err(emitErr).Msg("stream write failed")
			return
		}
	}

	for err != io.EOF {
		var ev *kiro.Event
		ev, err = upstream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A half-finished stream from the caller hanging up is
			// neither a success nor the account's failure.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				c.Request.Context().Err() != nil {
				return
			}
			// Mid-stream failure: credit the account and abort with a
			// dialect error event; no reselection once bytes are out.
			h.pool.ReportError(prov, err)
			status, _, msg := errorStatus(err)
			emitter.Error(status, msg)
			return
		}
		if evErr := kiro.EventError(ev); evErr != nil {
			h.pool.ReportError(prov, evErr)
			status, _, msg := errorStatus(evErr)
			emitter.Error(status, msg)
			return
		}
		if emitErr := emitEvent(ev); emitErr != nil {
			log.Warn().Err(emitErr).Msg("stream write failed")
			return
		}
	}

	for _, tu := range acc.Flush() {
		if emitErr := emitter.ToolCall(tu); emitErr != nil {
			return
		}
	}
	if emitErr := emitter.Finish(); emitErr != nil {
		return
	}
	h.pool.ReportSuccess(prov)
}

// Models handles GET /v1/models.
func (h *Proxy) Models(c *gin.Context) {
	models := kiro.AvailableModels()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m,
			"object":   "model",
			"owned_by": "kiropool",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// Health handles GET /health.
func (h *Proxy) Health(c *gin.Context) {
	providers, err := h.store.ListProviders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}

	available := 0
	for _, p := range providers {
		if !p.IsDisabled && p.IsHealthy && !p.UsageExhausted {
			available++
		}
	}
	status := "ok"
	if available == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"providers": gin.H{"total": len(providers), "available": available},
	})
}
