// Package summary produces long-term memory text from recent conversation
// turns. Two implementations exist: the hosted summarize endpoint and a
// direct chat-completion call for OpenAI-compatible backends.
package summary

import "context"

// Turn is one conversation entry handed to a summarizer.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the material a summarizer works from.
type Request struct {
	History      []Turn
	LatestMemory string
}

// Summarizer condenses conversation history into memory text.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}
