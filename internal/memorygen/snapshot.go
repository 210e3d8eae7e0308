package memorygen

import (
	"context"
	"fmt"
	"os"

	"github.com/tidwall/sjson"

	"agentbridge/internal/store"
)

// sessionTurn is the shape persisted under model.messages in the session
// snapshot.
type sessionTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SnapshotWriter rewrites the session snapshot file so a restarted agent
// resumes with recent conversation context.
type SnapshotWriter struct {
	path   string
	rounds int
	store  store.Store
}

// NewSnapshotWriter creates a writer for the given session snapshot path.
func NewSnapshotWriter(path string, rounds int, st store.Store) *SnapshotWriter {
	return &SnapshotWriter{path: path, rounds: rounds, store: st}
}

// Rewrite replaces the snapshot's message list with the latest conversation
// turns. The list is trimmed so it always ends on an assistant turn, and the
// file is replaced atomically via a temp-file rename.
func (w *SnapshotWriter) Rewrite(ctx context.Context) error {
	messages, err := w.store.GetMessages(ctx, 0, w.rounds, true)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}

	// Newest-first from the store; the snapshot wants oldest-first.
	turns := make([]sessionTurn, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Content == "" {
			continue
		}
		turns = append(turns, sessionTurn{
			Role:    string(messages[i].Role),
			Content: messages[i].Content,
		})
	}
	for len(turns) > 0 && turns[len(turns)-1].Role != string(store.RoleAssistant) {
		turns = turns[:len(turns)-1]
	}

	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read session snapshot: %w", err)
	}
	updated, err := sjson.SetBytes(raw, "model.messages."+store.DefaultUserID, turns)
	if err != nil {
		return fmt.Errorf("update session snapshot: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, updated, 0o600); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace session snapshot: %w", err)
	}
	return nil
}
