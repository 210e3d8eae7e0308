package summary

import (
	"agentbridge/internal/config"
	"agentbridge/internal/logger"
)

// New picks a summarizer from the `model.summarizer` config key. The hosted
// endpoint is the default; "openai" switches to a direct chat-completion
// call against an OpenAI-compatible backend.
func New(cs *config.Service, log *logger.Logger) Summarizer {
	switch cs.GetString("model.summarizer", "api") {
	case "openai":
		return NewLLMSummarizer(LLMConfig{
			APIKey:       cs.APIKey(),
			BaseURL:      cs.GetString("model.summarizer_base_url", ""),
			Model:        cs.GetString("model.summarizer_model", ""),
			Instructions: cs.GetString("model.memory_instructions", ""),
		})
	default:
		return NewAPISummarizerFromConfig(cs, log)
	}
}
