package kiro

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"kiropool/internal/httpclient"
	"kiropool/internal/store"
)

// Access tokens are refreshed this long before their recorded expiry.
const refreshWindow = 60 * time.Second

// Overridable in tests.
var codewhispererBaseOverride string

func codewhispererBase(region string) string {
	if codewhispererBaseOverride != "" {
		return codewhispererBaseOverride
	}
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com", region)
}

// streamClient is a plain net/http client for the eventstream call; the
// shared req client buffers responses, which defeats streaming.
var streamClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	},
}

// Service is the upstream handle for one pooled account. It owns the
// in-memory credential copy and serializes token refreshes.
type Service struct {
	providerID int64
	region     string
	store      *store.Store

	mu    sync.RWMutex
	creds store.Credentials

	sf singleflight.Group
}

func NewService(st *store.Store, p *store.Provider) *Service {
	return &Service{
		providerID: p.ID,
		region:     p.Region,
		store:      st,
		creds:      p.Credentials,
	}
}

func (s *Service) Credentials() store.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// EnsureFreshToken returns a usable access token, refreshing it when it is
// within the early-refresh window. Concurrent callers share one refresh.
func (s *Service) EnsureFreshToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()

	if creds.AccessToken != "" && time.Until(creds.ExpiresAt) > refreshWindow {
		return creds.AccessToken, nil
	}

	token, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		// Re-check after winning the flight: a just-finished refresh
		// already did the work.
		s.mu.RLock()
		current := s.creds
		s.mu.RUnlock()
		if current.AccessToken != "" && time.Until(current.ExpiresAt) > refreshWindow {
			return current.AccessToken, nil
		}
		return s.refresh(ctx, current)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// ForceRefresh discards the current access token and fetches a new one.
// Used after an upstream 401/403 on a token that looked valid.
func (s *Service) ForceRefresh(ctx context.Context) (string, error) {
	s.mu.RLock()
	stale := s.creds.AccessToken
	s.mu.RUnlock()

	token, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		s.mu.RLock()
		current := s.creds
		s.mu.RUnlock()
		// Another caller already replaced the rejected token.
		if current.AccessToken != "" && current.AccessToken != stale {
			return current.AccessToken, nil
		}
		return s.refresh(ctx, current)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (s *Service) refresh(ctx context.Context, current store.Credentials) (string, error) {
	next, err := RefreshCredentials(ctx, s.region, current)
	if err != nil {
		return "", fmt.Errorf("provider %d: %w", s.providerID, err)
	}

	if err := s.store.UpdateProviderCredentials(s.providerID, next); err != nil {
		return "", fmt.Errorf("provider %d: persist credentials: %w", s.providerID, err)
	}

	s.mu.Lock()
	s.creds = next
	s.mu.Unlock()

	log.Info().Int64("provider", s.providerID).Msg("access token refreshed")
	return next.AccessToken, nil
}

// prepare fills auth-dependent request fields. profileArn is only sent for
// social-auth accounts.
func (s *Service) prepare(req *GenerateRequest) {
	creds := s.Credentials()
	if creds.AuthMethod == AuthMethodSocial || creds.AuthMethod == "" {
		req.ProfileArn = creds.ProfileArn
	} else {
		req.ProfileArn = ""
	}
	if req.ConversationState.ChatTriggerType == "" {
		req.ConversationState.ChatTriggerType = "MANUAL"
	}
	if req.ConversationState.ConversationID == "" {
		req.ConversationState.ConversationID = uuid.New().String()
	}
}

func setKiroHeaders(h http.Header, token string) {
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/vnd.amazon.eventstream")
	h.Set("x-amzn-kiro-agent-mode", "spec")
	h.Set("x-amz-user-agent", "aws-sdk-js/1.0.7 KiroIDE")
	h.Set("User-Agent", "aws-sdk-js/1.0.7 ua/2.1 os/linux lang/js md/nodejs#20.16.0 api/codewhispererstreaming#1.0.7 m/E KiroIDE")
	h.Set("amz-sdk-invocation-id", uuid.New().String())
	h.Set("amz-sdk-request", "attempt=1; max=1")
}

// CompletionResult is a fully-drained assistant turn.
type CompletionResult struct {
	Content  string
	ToolUses []ToolUse
}

// CallAPI performs a buffered generateAssistantResponse call, draining the
// whole eventstream. A 401/403 triggers one forced refresh and one retry.
func (s *Service) CallAPI(ctx context.Context, req *GenerateRequest) (*CompletionResult, error) {
	stream, err := s.StreamAPI(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	result := &CompletionResult{}
	acc := NewToolUseAccumulator()
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case "assistantResponseEvent":
			a, err := DecodeAssistantEvent(ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("decode assistant event: %w", err)
			}
			result.Content += a.Content
		case "toolUseEvent":
			tu, err := DecodeToolUseEvent(ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("decode tool use event: %w", err)
			}
			if done := acc.Feed(tu); done != nil {
				result.ToolUses = append(result.ToolUses, *done)
			}
		default:
			// Exception frame or an event type we do not stream; the turn
			// did not finish, so the partial content is unusable.
			return nil, EventError(ev)
		}
	}
	result.ToolUses = append(result.ToolUses, acc.Flush()...)
	return result, nil
}

// Stream is one live eventstream response.
type Stream struct {
	body    io.ReadCloser
	decoder *EventStreamDecoder
}

func (st *Stream) Next() (*Event, error) { return st.decoder.Next() }
func (st *Stream) Close() error          { return st.body.Close() }

// StreamAPI opens a generateAssistantResponse eventstream. The caller owns
// the returned stream and must Close it.
func (s *Service) StreamAPI(ctx context.Context, req *GenerateRequest) (*Stream, error) {
	token, err := s.EnsureFreshToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.doGenerate(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		token, err = s.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = s.doGenerate(ctx, req, token)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, classifyUpstreamError(resp.StatusCode, body)
	}

	return &Stream{body: resp.Body, decoder: NewEventStreamDecoder(resp.Body)}, nil
}

func (s *Service) doGenerate(ctx context.Context, req *GenerateRequest, token string) (*http.Response, error) {
	s.prepare(req)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		codewhispererBase(s.region)+"/generateAssistantResponse", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	setKiroHeaders(httpReq.Header, token)

	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider %d: upstream call: %w", s.providerID, err)
	}
	return resp, nil
}

// GetUsageLimits pulls and aggregates the account's quota state.
func (s *Service) GetUsageLimits(ctx context.Context) (*UsageSnapshot, error) {
	token, err := s.EnsureFreshToken(ctx)
	if err != nil {
		return nil, err
	}

	creds := s.Credentials()
	body := &UsageLimitsRequest{IsEmbedded: true, Origin: "AI_EDITOR"}
	if creds.AuthMethod == AuthMethodSocial || creds.AuthMethod == "" {
		body.ProfileArn = creds.ProfileArn
	}

	r, err := httpclient.GetClient().R().
		SetContext(ctx).
		SetBearerAuthToken(token).
		SetBody(body).
		Post(codewhispererBase(s.region) + "/getUsageLimits")
	if err != nil {
		return nil, fmt.Errorf("provider %d: usage limits: %w", s.providerID, err)
	}

	if r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden {
		token, err = s.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		r, err = httpclient.GetClient().R().
			SetContext(ctx).
			SetBearerAuthToken(token).
			SetBody(body).
			Post(codewhispererBase(s.region) + "/getUsageLimits")
		if err != nil {
			return nil, fmt.Errorf("provider %d: usage limits: %w", s.providerID, err)
		}
	}
	if r.IsErrorState() {
		return nil, &UpstreamError{Status: r.StatusCode, Message: r.String()}
	}

	snapshot := AggregateUsage(r.Bytes())
	return &snapshot, nil
}

// ToolUseAccumulator reassembles toolUseEvent fragments into complete
// tool calls; input arrives in pieces until stop is set.
type ToolUseAccumulator struct {
	order  []string
	inputs map[string]*pendingToolUse
}

type pendingToolUse struct {
	name  string
	input string
}

func NewToolUseAccumulator() *ToolUseAccumulator {
	return &ToolUseAccumulator{inputs: make(map[string]*pendingToolUse)}
}

// Feed adds one fragment; it returns the finished call on a stop event.
func (a *ToolUseAccumulator) Feed(ev *ToolUseEvent) *ToolUse {
	p, ok := a.inputs[ev.ToolUseID]
	if !ok {
		p = &pendingToolUse{name: ev.Name}
		a.inputs[ev.ToolUseID] = p
		a.order = append(a.order, ev.ToolUseID)
	}
	if ev.Name != "" {
		p.name = ev.Name
	}
	p.input += ev.Input
	if !ev.Stop {
		return nil
	}

	done := a.finalize(ev.ToolUseID, p)
	delete(a.inputs, ev.ToolUseID)
	for i, id := range a.order {
		if id == ev.ToolUseID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return done
}

// Flush finalizes tool calls whose stop event never arrived.
func (a *ToolUseAccumulator) Flush() []ToolUse {
	var out []ToolUse
	for _, id := range a.order {
		if p, ok := a.inputs[id]; ok {
			out = append(out, *a.finalize(id, p))
		}
	}
	a.order = nil
	a.inputs = make(map[string]*pendingToolUse)
	return out
}

func (a *ToolUseAccumulator) finalize(id string, p *pendingToolUse) *ToolUse {
	input := p.input
	if input == "" || !json.Valid([]byte(input)) {
		input = "{}"
	}
	return &ToolUse{ToolUseID: id, Name: p.name, Input: json.RawMessage(input)}
}
