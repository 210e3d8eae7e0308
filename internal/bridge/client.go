// Package bridge is the local end of the robot/agent link. It classifies
// inbound realtime events, routes function calls to typed handlers,
// reassembles streaming transcripts into stored conversation turns, and
// feeds the memory pipeline.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentbridge/internal/config"
	"agentbridge/internal/envelope"
	"agentbridge/internal/logger"
	"agentbridge/internal/memorygen"
	"agentbridge/internal/store"
	"agentbridge/internal/summary"
	"agentbridge/internal/tasks"
	"agentbridge/internal/transport"
)

// Structured status codes surfaced to the message handler when a resource
// fails.
const (
	codeDatabaseError = "DATABASE_ERROR"
	codeExecuterError = "EXECUTER_ERROR"
	codePortInUse     = "PORT_IN_USE"
)

// defaultJoinTimeout bounds how long Stop waits for background work.
const defaultJoinTimeout = 15 * time.Second

const pushTimeout = 30 * time.Second

// Client wires the bridge together: an inbound server for local device
// peers, a supervised outbound link to the remote backend, the conversation
// store and the memory pipeline.
type Client struct {
	cfg      *config.Service
	store    store.Store
	pipeline *memorygen.Pipeline
	asm      *reassembler
	ids      *messageIDGenerator
	server   *transport.Server
	outbound *transport.Supervisor
	registry *tasks.Registry
	log      *logger.Logger

	joinTimeout time.Duration

	// mu serializes envelope handling. Within one transport handle events
	// arrive in order; the reassembler's flush rules depend on that order
	// holding across the store writes too.
	mu       sync.Mutex
	handlers handlers

	dbStatusOnce sync.Once
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	port          int
	joinTimeout   time.Duration
	retryInterval time.Duration
	dialer        transport.Dialer
	summarizer    summary.Summarizer
}

// WithPort sets the inbound listen port.
func WithPort(port int) Option {
	return func(o *clientOptions) { o.port = port }
}

// WithJoinTimeout bounds the background-task join during Stop.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.joinTimeout = d }
}

// WithRetryInterval sets the outbound reconnection interval.
func WithRetryInterval(d time.Duration) Option {
	return func(o *clientOptions) { o.retryInterval = d }
}

// WithOutboundDialer overrides the outbound realtime dialer.
func WithOutboundDialer(d transport.Dialer) Option {
	return func(o *clientOptions) { o.dialer = d }
}

// WithSummarizer overrides the summarizer chosen from config.
func WithSummarizer(s summary.Summarizer) Option {
	return func(o *clientOptions) { o.summarizer = s }
}

// New assembles a Client over an already-open store.
func New(cfg *config.Service, st store.Store, log *logger.Logger, opts ...Option) *Client {
	o := clientOptions{
		port:          cfg.GetInt("server.port", 9999),
		joinTimeout:   defaultJoinTimeout,
		retryInterval: transport.DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = transport.NewRealtimeDialer(cfg.APIHost(), cfg.APIKey())
	}
	if o.summarizer == nil {
		o.summarizer = summary.New(cfg, log)
	}

	c := &Client{
		cfg:         cfg,
		store:       st,
		ids:         newMessageIDGenerator(),
		registry:    tasks.NewRegistry(log),
		log:         log,
		joinTimeout: o.joinTimeout,
	}
	c.asm = newReassembler(st, c.ids, log)
	c.outbound = transport.NewSupervisor(o.dialer, func(p []byte) { c.HandleEnvelope(p) },
		log, transport.WithRetryInterval(o.retryInterval))
	c.server = transport.NewServer(o.port, func(p []byte) { c.HandleEnvelope(p) }, log)

	snapshot := memorygen.NewSnapshotWriter(cfg.SessionConfigPath(), cfg.ContextRounds(), st)
	c.pipeline = memorygen.NewPipeline(st, o.summarizer, cfg, snapshot, c.outbound, c.registry, log)
	return c
}

// SetMotionHandler registers the handler for motion function calls.
func (c *Client) SetMotionHandler(h MotionHandler) {
	c.mu.Lock()
	c.handlers.motion = h
	c.mu.Unlock()
}

// SetEmotionHandler registers the handler for emotion function calls.
func (c *Client) SetEmotionHandler(h EmotionHandler) {
	c.mu.Lock()
	c.handlers.emotion = h
	c.mu.Unlock()
}

// SetFunctionCallHandler registers the fallback for other function calls.
func (c *Client) SetFunctionCallHandler(h FunctionCallHandler) {
	c.mu.Lock()
	c.handlers.functionCall = h
	c.mu.Unlock()
}

// SetMessageHandler registers the generic handler; it sees every accepted
// envelope and all synthetic status events.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	c.handlers.message = h
	c.mu.Unlock()
}

// SetConversationHandler registers the conversation observer.
func (c *Client) SetConversationHandler(h ConversationHandler) {
	c.mu.Lock()
	c.handlers.conversation = h
	c.mu.Unlock()
}

// Start binds the inbound server and brings the outbound link up. A bind
// failure is surfaced once to the message handler as a health.status event
// before the error returns; outbound connect failures stay with the
// supervisor's retry loop.
func (c *Client) Start(ctx context.Context) error {
	if err := c.server.Start(); err != nil {
		code := codeExecuterError
		if errors.Is(err, transport.ErrAddrInUse) {
			code = codePortInUse
		}
		c.emitStatus(code, err.Error())
		return err
	}
	if err := c.outbound.Connect(ctx); err != nil {
		c.log.Warn("outbound link not yet available", "error", err)
	}
	return nil
}

// Stop shuts the bridge down: transports first, then background work with a
// bounded join, then the store.
func (c *Client) Stop(ctx context.Context) {
	if err := c.server.Stop(ctx); err != nil {
		c.log.Warn("inbound server shutdown", "error", err)
	}
	c.outbound.Stop()
	c.registry.Wait(c.joinTimeout)
	if err := c.store.Close(); err != nil {
		c.log.Warn("store close", "error", err)
	}
}

// SendMessage broadcasts a payload to all connected local peers. Returns
// true when at least one peer received it.
func (c *Client) SendMessage(payload []byte) bool {
	return c.server.Broadcast(payload)
}

// SendRealtimeMessage sends a payload over the outbound link.
func (c *Client) SendRealtimeMessage(payload []byte) error {
	return c.outbound.Send(payload)
}

// PushCurrentMemory injects the latest long-term memory into the remote
// session.
func (c *Client) PushCurrentMemory(ctx context.Context) error {
	return c.pipeline.PushCurrentMemory(ctx)
}

// HandleEnvelope classifies one raw payload, applies its storage side
// effects and dispatches it. Returns true iff at least one handler ran.
func (c *Client) HandleEnvelope(raw []byte) bool {
	env := envelope.Parse(raw)
	if env.Kind == envelope.KindUnclassified {
		c.log.Debug("dropping unclassified envelope", "type", env.Type)
		return false
	}

	c.mu.Lock()
	completed, notes := c.applyStorage(env)
	h := c.handlers
	c.mu.Unlock()

	// Handlers run outside the lock so they may call back into the client.
	if h.conversation != nil {
		for _, n := range notes {
			h.conversation.HandleConversation(n.itemID, n.role, n.text)
		}
	}

	for i := 0; i < completed; i++ {
		c.pipeline.NoteCompletedTurn()
	}

	handled := false
	if h.message != nil {
		h.message.HandleMessage(env)
		handled = true
	}
	if env.Kind == envelope.KindOutputItemDone && env.FunctionCall != nil {
		if dispatchFunctionCall(h, env.FunctionCall) {
			handled = true
		}
	}
	return handled
}

// dispatchFunctionCall routes one completed function call by name. The
// motion/emotion names bind to their dedicated handlers; anything else falls
// through to the generic handler.
func dispatchFunctionCall(h handlers, fc *envelope.FunctionCall) bool {
	called := false
	switch fc.Name {
	case "motion":
		if h.motion != nil {
			h.motion.HandleMotion(fc.Arguments)
			called = true
		}
	case "emotion":
		if h.emotion != nil {
			h.emotion.HandleEmotion(fc.Arguments)
			called = true
		}
	case "motion_and_emotion":
		if h.motion != nil {
			h.motion.HandleMotion(fc.Arguments)
			called = true
		}
		if h.emotion != nil {
			h.emotion.HandleEmotion(fc.Arguments)
			called = true
		}
	default:
		if h.functionCall != nil {
			h.functionCall.HandleFunctionCall(fc.Name, fc.Arguments)
			called = true
		}
	}
	return called
}

// conversationNote is a deferred conversation-handler notification, produced
// under c.mu and delivered after it is released.
type conversationNote struct {
	itemID string
	role   store.Role
	text   string
}

// applyStorage performs the storage side effects for one envelope and
// returns how many completed text-bearing turns it produced plus any
// conversation notifications to deliver. Caller holds c.mu.
func (c *Client) applyStorage(env envelope.Envelope) (int, []conversationNote) {
	ctx := context.Background()

	switch env.Kind {
	case envelope.KindItemCreated:
		item := env.Item
		if item == nil || item.Type != "message" || item.Role != "user" || !item.HasAudioInput {
			return 0, nil
		}
		// Placeholder row; the transcript fills it in later via item_id.
		msg := store.Message{
			ID:        c.ids.Next(),
			Role:      store.RoleUser,
			ItemID:    item.ID,
			UserID:    store.DefaultUserID,
			Timestamp: time.Now().Format(store.TimeFormat),
		}
		if err := c.store.SaveMessage(ctx, msg); err != nil {
			c.storageFailure("save user placeholder", err)
			return 0, nil
		}
		return 0, []conversationNote{{itemID: item.ID, role: store.RoleUser}}

	case envelope.KindTranscriptionCompleted:
		if env.ItemID == "" {
			return 0, nil
		}
		msg, err := c.store.GetMessageByItemID(ctx, env.ItemID)
		if err != nil {
			c.storageFailure("lookup by item_id", err)
			return 0, nil
		}
		if msg == nil {
			c.log.Warn("no message for transcript update", "item_id", env.ItemID)
			return 0, nil
		}
		msg.Content = env.Transcript
		if err := c.store.UpdateMessage(ctx, msg.ID, *msg); err != nil {
			c.storageFailure("apply transcript", err)
			return 0, nil
		}
		return 1, []conversationNote{{itemID: env.ItemID, role: store.RoleUser, text: env.Transcript}}

	case envelope.KindTranscriptDelta:
		if env.ItemID == "" || env.Delta == "" {
			return 0, nil
		}
		flushed, err := c.asm.AddDelta(ctx, env.ItemID, env.Delta)
		if err != nil {
			c.storageFailure("flush transcript draft", err)
		}
		return flushed, []conversationNote{{itemID: env.ItemID, role: store.RoleAssistant, text: env.Delta}}

	case envelope.KindResponseDone:
		flushed, err := c.asm.FlushAll(ctx)
		if err != nil {
			c.storageFailure("flush transcript drafts", err)
		}
		return flushed, nil

	case envelope.KindConversationCreated:
		// Seed the fresh session with memory without blocking dispatch.
		c.registry.Go("initial-memory-push", func() {
			pctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
			defer cancel()
			if err := c.pipeline.PushCurrentMemory(pctx); err != nil {
				c.log.Warn("initial memory push failed", "error", err)
			}
		})
		return 0, nil
	}

	return 0, nil
}

// emitStatus delivers a synthetic health.status event to the message
// handler.
func (c *Client) emitStatus(code, message string) {
	c.mu.Lock()
	h := c.handlers.message
	c.mu.Unlock()
	if h != nil {
		h.HandleMessage(envelope.HealthStatus(code, message))
	}
}

// storageFailure logs a storage error and surfaces the condition to the
// message handler exactly once per process.
func (c *Client) storageFailure(op string, err error) {
	c.log.Error("storage operation failed", "op", op, "error", err)
	c.dbStatusOnce.Do(func() {
		if c.handlers.message != nil {
			c.handlers.message.HandleMessage(
				envelope.HealthStatus(codeDatabaseError, "conversation store unavailable: "+err.Error()))
		}
	})
}
