package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentbridge/internal/config"
	"agentbridge/internal/logger"
)

const defaultAPITimeout = 60 * time.Second

// maxSummaryLength caps the summary the endpoint may return.
const maxSummaryLength = 4096

// APIConfig configures the hosted summarize endpoint client.
type APIConfig struct {
	// BaseURL of the summarize service, e.g. "https://api.example.com".
	BaseURL string
	APIKey  string
	AgentID string
	// MemoryInstructions, when it embeds a {{conversation}} placeholder,
	// tells the endpoint the history is already inlined in the prompt.
	MemoryInstructions string
	Timeout            time.Duration
}

// APISummarizer calls the hosted POST /summarize endpoint.
type APISummarizer struct {
	cfg    APIConfig
	client *http.Client
	log    *logger.Logger
}

// NewAPISummarizer creates a summarizer against the hosted endpoint.
func NewAPISummarizer(cfg APIConfig, log *logger.Logger) *APISummarizer {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultAPITimeout
	}
	return &APISummarizer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// NewAPISummarizerFromConfig builds the client from the bridge config. The
// realtime host doubles as the summarize host with an https scheme.
func NewAPISummarizerFromConfig(cs *config.Service, log *logger.Logger) *APISummarizer {
	return NewAPISummarizer(APIConfig{
		BaseURL:            httpBaseURL(cs.APIHost()),
		APIKey:             cs.APIKey(),
		AgentID:            cs.AgentID(),
		MemoryInstructions: cs.GetString("model.memory_instructions", ""),
	}, log)
}

// httpBaseURL converts a realtime websocket host to the https base the
// summarize endpoint lives under.
func httpBaseURL(apiHost string) string {
	switch {
	case strings.HasPrefix(apiHost, "wss://"):
		return "https://" + strings.TrimPrefix(apiHost, "wss://")
	case strings.HasPrefix(apiHost, "ws://"):
		return "http://" + strings.TrimPrefix(apiHost, "ws://")
	default:
		return "https://" + apiHost
	}
}

type apiParameters struct {
	MaxLength             int    `json:"max_length"`
	HistoryInConversation bool   `json:"history_in_conversation"`
	LatestMemory          string `json:"latest_memory,omitempty"`
}

type apiRequest struct {
	ConversationHistory []Turn        `json:"conversation_history"`
	Parameters          apiParameters `json:"parameters"`
}

type apiResponse struct {
	Summary []string `json:"summary"`
}

// Summarize posts the history to the endpoint and joins the returned summary
// parts with spaces.
func (s *APISummarizer) Summarize(ctx context.Context, req Request) (string, error) {
	if s.cfg.APIKey == "" {
		return "", errors.New("summary: api key not configured")
	}
	if s.cfg.AgentID == "" {
		return "", errors.New("summary: agent id not configured")
	}

	body := apiRequest{
		ConversationHistory: req.History,
		Parameters: apiParameters{
			MaxLength: maxSummaryLength,
			// A {{conversation}} placeholder in the instructions means
			// the caller inlines the history itself.
			HistoryInConversation: !strings.Contains(s.cfg.MemoryInstructions, "{{conversation}}"),
			LatestMemory:          req.LatestMemory,
		},
	}
	if body.ConversationHistory == nil {
		body.ConversationHistory = []Turn{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("summary: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/summarize?agent_id=%s",
		strings.TrimSuffix(s.cfg.BaseURL, "/"), url.QueryEscape(s.cfg.AgentID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("summary: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("summary: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("summary: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		s.log.Warn("summarize endpoint rejected request",
			"status", resp.StatusCode, "body", truncate(string(raw), 500))
		return "", fmt.Errorf("summary: endpoint returned status %d", resp.StatusCode)
	}

	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("summary: decode response: %w", err)
	}
	return strings.Join(decoded.Summary, " "), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
