package bridge

import (
	"context"
	"time"

	"agentbridge/internal/logger"
	"agentbridge/internal/store"
)

// draft is an assistant turn still being streamed.
type draft struct {
	msg  store.Message
	text string
}

// reassembler folds assistant transcript deltas into complete stored
// messages. Drafts live in a map keyed by item id so each is independently
// flushable; in practice deltas for different items do not interleave, and a
// delta for a new item flushes every other outstanding draft first.
type reassembler struct {
	store store.Store
	ids   *messageIDGenerator
	log   *logger.Logger

	drafts map[string]*draft
}

func newReassembler(st store.Store, ids *messageIDGenerator, log *logger.Logger) *reassembler {
	return &reassembler{
		store:  st,
		ids:    ids,
		log:    log,
		drafts: make(map[string]*draft),
	}
}

// AddDelta extends the draft for itemID, creating it on the first delta.
// Outstanding drafts for other items are flushed first. Returns the number
// of drafts flushed and the first storage error encountered.
func (r *reassembler) AddDelta(ctx context.Context, itemID, delta string) (int, error) {
	if itemID == "" || delta == "" {
		return 0, nil
	}

	flushed := 0
	var firstErr error
	for id := range r.drafts {
		if id == itemID {
			continue
		}
		ok, err := r.flush(ctx, id)
		if ok {
			flushed++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d, exists := r.drafts[itemID]
	if !exists {
		d = &draft{
			msg: store.Message{
				ID:        r.ids.Next(),
				Role:      store.RoleAssistant,
				ItemID:    itemID,
				UserID:    store.DefaultUserID,
				Timestamp: time.Now().Format(store.TimeFormat),
			},
		}
		r.drafts[itemID] = d
	}
	d.text += delta
	return flushed, firstErr
}

// FlushAll persists every outstanding draft, in no particular order. Called
// on the turn terminator, whose own item id is irrelevant.
func (r *reassembler) FlushAll(ctx context.Context) (int, error) {
	flushed := 0
	var firstErr error
	for id := range r.drafts {
		ok, err := r.flush(ctx, id)
		if ok {
			flushed++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return flushed, firstErr
}

// flush writes one draft with its accumulated text and removes it. Drafts
// that never accumulated text are dropped without a store write.
func (r *reassembler) flush(ctx context.Context, itemID string) (bool, error) {
	d, ok := r.drafts[itemID]
	if !ok {
		return false, nil
	}
	delete(r.drafts, itemID)
	if d.text == "" {
		return false, nil
	}
	d.msg.Content = d.text
	if err := r.store.SaveMessage(ctx, d.msg); err != nil {
		return false, err
	}
	r.log.Debug("flushed assistant transcript", "item_id", itemID, "chars", len(d.text))
	return true, nil
}
