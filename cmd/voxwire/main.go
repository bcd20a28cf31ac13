// Command voxwire serves the telephony media-stream endpoint and runs one
// call session per connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/dotenv"
	"github.com/voxwire/voxwire/pkg/analytics"
	"github.com/voxwire/voxwire/pkg/core/call"
	"github.com/voxwire/voxwire/pkg/core/config"
	"github.com/voxwire/voxwire/pkg/core/dialog"
	"github.com/voxwire/voxwire/pkg/core/llm"
	"github.com/voxwire/voxwire/pkg/core/telephony"
	"github.com/voxwire/voxwire/pkg/core/voice/stt"
	"github.com/voxwire/voxwire/pkg/core/voice/tts"
)

type serverConfig struct {
	Addr      string
	AgentFile string

	DeepgramKey string
	CartesiaKey string
	OpenAIKey   string
	GeminiKey   string

	PostgresDSN string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func loadServerConfig() (serverConfig, error) {
	cfg := serverConfig{
		Addr:                envOr("VOXWIRE_ADDR", ":8080"),
		AgentFile:           envOr("VOXWIRE_AGENT_CONFIG", "agent.yaml"),
		DeepgramKey:         os.Getenv("DEEPGRAM_API_KEY"),
		CartesiaKey:         os.Getenv("CARTESIA_API_KEY"),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		GeminiKey:           os.Getenv("GEMINI_API_KEY"),
		PostgresDSN:         os.Getenv("VOXWIRE_POSTGRES_DSN"),
		ReadHeaderTimeout:   envDurationOr("VOXWIRE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOXWIRE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.DeepgramKey == "" {
		return serverConfig{}, fmt.Errorf("DEEPGRAM_API_KEY must be set")
	}
	if cfg.CartesiaKey == "" {
		return serverConfig{}, fmt.Errorf("CARTESIA_API_KEY must be set")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func buildLLMClient(ctx context.Context, cfg serverConfig, agent *config.AgentConfig) (llm.Client, error) {
	build := func(provider string) (llm.Client, error) {
		switch provider {
		case "openai":
			if cfg.OpenAIKey == "" {
				return nil, fmt.Errorf("OPENAI_API_KEY must be set for llm provider openai")
			}
			return llm.NewOpenAI(cfg.OpenAIKey, ""), nil
		case "gemini":
			if cfg.GeminiKey == "" {
				return nil, fmt.Errorf("GEMINI_API_KEY must be set for llm provider gemini")
			}
			return llm.NewGemini(ctx, cfg.GeminiKey)
		default:
			return nil, fmt.Errorf("unknown llm provider %q", provider)
		}
	}

	primary, err := build(agent.LLM.Provider)
	if err != nil {
		return nil, err
	}
	if agent.LLM.FallbackProvider == "" {
		return primary, nil
	}
	fallback, err := build(agent.LLM.FallbackProvider)
	if err != nil {
		return nil, err
	}
	return llm.NewFallback(primary, fallback, agent.LLM.FallbackModel), nil
}

func buildSelector(agent *config.AgentConfig, client llm.Client) dialog.Selector {
	if agent.Selector.Kind == "rule" {
		return dialog.RuleSelector{}
	}
	return dialog.NewLLMSelector(client, agent.Selector.Model)
}

// server owns the shared pieces every call session needs.
type server struct {
	log      *slog.Logger
	agent    *config.AgentConfig
	graph    *dialog.Graph
	registry *call.Registry
	sink     analytics.Sink

	sttProvider stt.Provider
	llmClient   llm.Client
	selector    dialog.Selector

	// newTTS builds a synthesis provider per call. The streaming provider
	// owns one persistent connection, and that connection must be exclusive
	// to a single call: sharing it would serialize sentence writes across
	// calls and fan one socket failure out to every active call.
	newTTS func() tts.Provider
}

func (s *server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ms, err := telephony.Accept(w, r)
	if err != nil {
		s.log.Error("media stream upgrade failed", "error", err)
		return
	}

	// The carrier announces the call id in its start frame before any
	// audio flows.
	callID := ""
	select {
	case ev, ok := <-ms.Events():
		if !ok || ev.Type == telephony.EventHangup {
			ms.Hangup()
			return
		}
		if ev.Type == telephony.EventAnswered {
			callID = ev.CallID
		}
	case <-time.After(10 * time.Second):
		s.log.Warn("no start frame within handshake window")
		ms.Hangup()
		return
	}
	if callID == "" {
		callID = uuid.NewString()
	}

	ttsProvider := s.newTTS()
	if closer, ok := ttsProvider.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	sessCfg := call.Config{
		Graph:       s.graph,
		Selector:    s.selector,
		STT:         s.sttProvider,
		STTConfig:   s.agent.StreamConfig(),
		TTS:         ttsProvider,
		TTSOptions:  s.agent.SynthesisOptions(),
		LLM:         s.llmClient,
		Model:       s.agent.LLM.Model,
		MaxTokens:   s.agent.LLM.MaxTokens,
		Temperature: s.agent.LLM.Temperature,

		Policy:        s.agent.Policy,
		HistoryWindow: s.agent.HistoryWindow,

		Silence:     s.agent.SilenceThresholds(),
		CheckinText: s.agent.CheckinText,
		ApologyText: s.agent.ApologyText,

		InitialVars: s.agent.Variables,
		Logger:      s.log,

		OnRecord: func(rec call.Record) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.sink.Write(ctx, rec)
		},
	}
	// Cartesia streams PCM; the carrier leg wants 8 kHz mu-law.
	if s.agent.TTS.Format == "pcm" {
		sessCfg.Transcode = telephony.EncodeMulaw
	}

	sess := call.NewSession(callID, ms, sessCfg)
	s.registry.Add(sess)
	defer s.registry.Remove(callID)

	s.log.Info("call answered", "call_id", callID, "active_calls", s.registry.Len())
	go s.logSessionEvents(sess)

	if err := sess.Run(r.Context()); err != nil {
		s.log.Error("call ended with error", "call_id", callID, "error", err)
	}
}

func (s *server) logSessionEvents(sess *call.Session) {
	for ev := range sess.Events() {
		s.log.Debug("session event",
			"call_id", sess.ID(),
			"kind", ev.Kind,
			"state", ev.State.String(),
			"node", ev.NodeID,
			"detail", ev.Detail,
		)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	agent, err := config.Load(cfg.AgentFile)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	graph, err := agent.BuildGraph()
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	llmClient, err := buildLLMClient(ctx, cfg, agent)
	if err != nil {
		return err
	}

	var sink analytics.Sink = analytics.NewLogSink(logger)
	if cfg.PostgresDSN != "" {
		pg, err := analytics.NewPostgresSink(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("analytics: %w", err)
		}
		defer pg.Close()
		sink = analytics.NewFanout(logger, analytics.NewLogSink(logger), pg)
	}

	sttOpts := []stt.DeepgramOption{}
	if agent.STT.Model != "" {
		sttOpts = append(sttOpts, stt.WithDeepgramModel(agent.STT.Model))
	}

	srv := &server{
		log:         logger,
		agent:       agent,
		graph:       graph,
		registry:    call.NewRegistry(),
		sink:        sink,
		sttProvider: stt.NewDeepgram(cfg.DeepgramKey, sttOpts...),
		llmClient:   llmClient,
		selector:    buildSelector(agent, llmClient),
		newTTS: func() tts.Provider {
			return tts.NewCartesia(cfg.CartesiaKey)
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/media", srv.handleMediaStream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logger.Info("starting voxwire", "addr", cfg.Addr, "agent", agent.Name)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("voxwire stopped")
	return nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		os.Exit(1)
	}
}
