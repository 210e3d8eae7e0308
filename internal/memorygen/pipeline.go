// Package memorygen turns recent conversation into durable long-term memory
// and feeds it back into new sessions.
package memorygen

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentbridge/internal/config"
	"agentbridge/internal/logger"
	"agentbridge/internal/store"
	"agentbridge/internal/summary"
	"agentbridge/internal/tasks"
)

// cycleTimeout bounds one full memory generation cycle.
const cycleTimeout = 90 * time.Second

// Sender delivers a payload over the outbound realtime link.
type Sender interface {
	Send(payload []byte) error
}

// Pipeline counts completed conversation turns and, once enough have
// accumulated, runs a detached generation cycle: rewrite the session
// snapshot, summarize recent history, persist the result as long-term
// memory, and push it upstream.
type Pipeline struct {
	store      store.Store
	summarizer summary.Summarizer
	cfg        *config.Service
	snapshot   *SnapshotWriter
	sender     Sender
	tasks      *tasks.Registry
	log        *logger.Logger

	mu      sync.Mutex
	counter int
	rounds  int
}

// NewPipeline assembles the memory pipeline. sender may be nil when no
// outbound link exists; pushes are then skipped.
func NewPipeline(st store.Store, sum summary.Summarizer, cfg *config.Service,
	snap *SnapshotWriter, sender Sender, reg *tasks.Registry, log *logger.Logger) *Pipeline {
	return &Pipeline{
		store:      st,
		summarizer: sum,
		cfg:        cfg,
		snapshot:   snap,
		sender:     sender,
		tasks:      reg,
		log:        log,
		rounds:     cfg.ContextRounds(),
	}
}

// NoteCompletedTurn records one completed text-bearing turn. Once the
// counter covers half the context window the counter resets and one
// generation cycle is spawned in the background. Disabled unless the client
// owns memory generation.
func (p *Pipeline) NoteCompletedTurn() {
	if !p.cfg.MemoryGenerationEnabled() {
		return
	}

	p.mu.Lock()
	p.counter++
	trigger := p.counter*2 >= p.rounds
	if trigger {
		p.counter = 0
	}
	p.mu.Unlock()

	if !trigger {
		return
	}
	p.tasks.Go("memory-cycle", func() {
		ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
		defer cancel()
		p.runCycle(ctx)
	})
}

// Counter returns the number of turns accumulated since the last cycle.
func (p *Pipeline) Counter() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counter
}

func (p *Pipeline) runCycle(ctx context.Context) {
	if err := p.snapshot.Rewrite(ctx); err != nil {
		p.log.Warn("session snapshot rewrite failed", "error", err)
	} else if err := p.cfg.ReloadSession(); err != nil {
		p.log.Warn("session config reload failed", "error", err)
	}
	if err := p.Generate(ctx); err != nil {
		p.log.Warn("memory generation skipped", "error", err)
		return
	}
	if err := p.PushCurrentMemory(ctx); err != nil {
		p.log.Warn("memory push failed", "error", err)
	}
}

// Generate summarizes the recent conversation window and persists the result
// as a long-term memory.
func (p *Pipeline) Generate(ctx context.Context) error {
	messages, err := p.store.GetMessages(ctx, 0, p.rounds, true)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("no conversation history to summarize")
	}

	history := make([]summary.Turn, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		history = append(history, summary.Turn{
			Role:    string(messages[i].Role),
			Content: messages[i].Content,
		})
	}

	var latest string
	if mem, err := p.store.GetLatestMemory(ctx); err != nil {
		return fmt.Errorf("load latest memory: %w", err)
	} else if mem != nil {
		latest = mem.Content
	}

	content, err := p.summarizer.Summarize(ctx, summary.Request{
		History:      history,
		LatestMemory: latest,
	})
	if err != nil {
		return err
	}
	if content == "" {
		return fmt.Errorf("summarizer returned empty memory")
	}

	return p.store.SaveMemory(ctx, store.Memory{
		Type:      store.MemoryLongTerm,
		Content:   content,
		UserID:    store.DefaultUserID,
		Timestamp: time.Now().Format(store.TimeFormat),
	})
}

// PushCurrentMemory injects the latest long-term memory into the remote
// session as a synthetic user turn acknowledged by a synthetic assistant
// turn. Session-level extended memory, when configured, is appended to the
// pushed text.
func (p *Pipeline) PushCurrentMemory(ctx context.Context) error {
	if p.sender == nil {
		return nil
	}

	var content string
	if mem, err := p.store.GetLatestMemory(ctx); err != nil {
		return fmt.Errorf("load latest memory: %w", err)
	} else if mem != nil {
		content = mem.Content
	}

	if extended := p.cfg.Get("extended_properties.memory"); extended.Exists() {
		ext := extended.String()
		if ext != "" {
			if content != "" {
				content = content + "\n\n" + ext
			} else {
				content = ext
			}
		}
	}
	if content == "" {
		p.log.Debug("no memory available to push")
		return nil
	}

	userTurn, err := itemCreatePayload("initial_user_prompt", "user", content)
	if err != nil {
		return err
	}
	ackTurn, err := itemCreatePayload("initial_assistant_prompt", "assistant", "OK")
	if err != nil {
		return err
	}
	if err := p.sender.Send(userTurn); err != nil {
		return fmt.Errorf("push memory turn: %w", err)
	}
	if err := p.sender.Send(ackTurn); err != nil {
		return fmt.Errorf("push ack turn: %w", err)
	}
	p.log.Debug("pushed memory into remote session", "bytes", len(content))
	return nil
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type itemCreate struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id"`
	Item           struct {
		ID      string        `json:"id"`
		Type    string        `json:"type"`
		Role    string        `json:"role"`
		Content []itemContent `json:"content"`
	} `json:"item"`
}

func itemCreatePayload(previousItemID, role, text string) ([]byte, error) {
	msg := itemCreate{
		EventID:        shortID("evt"),
		Type:           "conversation.item.create",
		PreviousItemID: previousItemID,
	}
	msg.Item.ID = shortID("msg")
	msg.Item.Type = "message"
	msg.Item.Role = role
	msg.Item.Content = []itemContent{{Type: "input_text", Text: text}}
	return json.Marshal(msg)
}

func shortID(prefix string) string {
	u := uuid.New()
	return fmt.Sprintf("%s_%x", prefix, u[:4])
}
