package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultSummaryPrompt = "You maintain long-term memory for a conversational robot. " +
	"Condense the conversation below into a short factual memory of the user and " +
	"what was discussed. Keep names, preferences and commitments. Write plain prose."

// LLMConfig configures the chat-completion summarizer. Works with
// OpenAI-compatible APIs via BaseURL.
type LLMConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Instructions string
}

// LLMSummarizer generates memory text with a direct chat-completion call
// instead of the hosted summarize endpoint.
type LLMSummarizer struct {
	client openai.Client
	model  string
	prompt string
}

// NewLLMSummarizer creates a chat-completion summarizer.
func NewLLMSummarizer(cfg LLMConfig) *LLMSummarizer {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	prompt := cfg.Instructions
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}

	return &LLMSummarizer{
		client: openai.NewClient(opts...),
		model:  model,
		prompt: prompt,
	}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, req Request) (string, error) {
	var sb strings.Builder
	if req.LatestMemory != "" {
		sb.WriteString("Previous memory:\n")
		sb.WriteString(req.LatestMemory)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation:\n")
	for _, turn := range req.History {
		fmt.Fprintf(&sb, "%s: %s\n", turn.Role, turn.Content)
	}

	params := openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(s.prompt),
			openai.UserMessage(sb.String()),
		},
		MaxTokens: openai.Int(int64(maxSummaryLength)),
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("summary: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary: empty completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
