package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"agentbridge/internal/bridge"
	"agentbridge/internal/config"
	"agentbridge/internal/envelope"
	"agentbridge/internal/logger"
	"agentbridge/internal/store"
)

// logHandler prints accepted envelopes; it stands in until an embedding
// application registers real handlers.
type logHandler struct {
	log *logger.Logger
}

func (h *logHandler) HandleMessage(env envelope.Envelope) {
	h.log.Debug("envelope", "type", env.Type)
}

func (h *logHandler) HandleMotion(args map[string]any) {
	h.log.Info("motion command", "args", args)
}

func (h *logHandler) HandleEmotion(args map[string]any) {
	h.log.Info("emotion command", "args", args)
}

func (h *logHandler) HandleFunctionCall(name string, args map[string]any) {
	h.log.Info("function call", "name", name, "args", args)
}

func main() {
	var (
		configDir = flag.String("config", "", "config directory (default ~/.agentbridge)")
		dbPath    = flag.String("db", "", "conversation database path (default <config>/agentbridge.db)")
		port      = flag.Int("port", 0, "inbound listen port (overrides server.port)")
		logMode   = flag.String("log", "production", "log mode: production or development")
	)
	flag.Parse()

	log, err := logger.New(*logMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configDir, *dbPath, *port, log); err != nil {
		log.Error("bridge exited", "error", err)
		os.Exit(1)
	}
}

func run(configDir, dbPath string, port int, log *logger.Logger) error {
	cfg, err := config.NewService(configDir)
	if err != nil {
		return err
	}

	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(cfg.SessionConfigPath()), "agentbridge.db")
	}
	st, err := store.NewSQLiteStore(dbPath, log)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}

	var opts []bridge.Option
	if port > 0 {
		opts = append(opts, bridge.WithPort(port))
	}
	client := bridge.New(cfg, st, log, opts...)

	h := &logHandler{log: log}
	client.SetMessageHandler(h)
	client.SetMotionHandler(h)
	client.SetEmotionHandler(h)
	client.SetFunctionCallHandler(h)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		st.Close()
		return err
	}
	log.Info("bridge running", "agent_id", cfg.AgentID())

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	client.Stop(stopCtx)
	return nil
}
