// Package call owns per-call state and orchestration: the session aggregate,
// the live-call registry, the silence monitor, and the terminal analytics
// record.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/pkg/core"
	"github.com/voxwire/voxwire/pkg/core/dialog"
	"github.com/voxwire/voxwire/pkg/core/llm"
	"github.com/voxwire/voxwire/pkg/core/telephony"
	"github.com/voxwire/voxwire/pkg/core/voice"
	"github.com/voxwire/voxwire/pkg/core/voice/stt"
	"github.com/voxwire/voxwire/pkg/core/voice/tts"
)

// State is the session lifecycle state.
type State int

const (
	// StateInitializing means the media channel is connecting.
	StateInitializing State = iota
	// StateActive means the conversation loop is running.
	StateActive
	// StateTerminating means shutdown started; no new turns.
	StateTerminating
	// StateEnded means all resources are released and the record emitted.
	StateEnded
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateTerminating:
		return "TERMINATING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// EventKind identifies a session event.
type EventKind int

const (
	// EventStateChanged fires on lifecycle transitions.
	EventStateChanged EventKind = iota
	// EventTurnCompleted fires after each dialog turn.
	EventTurnCompleted
	// EventBargeIn fires when user speech interrupts agent audio.
	EventBargeIn
	// EventCheckIn fires when the silence monitor plays a check-in.
	EventCheckIn
	// EventTerminated fires exactly once, with the final record built.
	EventTerminated
)

// SessionEvent is one observable state change, for host-process logging.
type SessionEvent struct {
	Kind   EventKind
	State  State
	NodeID string
	Detail string
}

// Config assembles the providers and policies for one call.
type Config struct {
	Graph    *dialog.Graph
	Selector dialog.Selector

	STT       stt.Provider
	STTConfig stt.StreamConfig

	TTS        tts.Provider
	TTSOptions tts.Options
	Transcode  func([]byte) []byte // per-chunk transcode to the telephony format

	LLM         llm.Client
	Model       string
	MaxTokens   int
	Temperature *float64

	Policy        string
	HistoryWindow int

	Silence     SilenceConfig
	CheckinText string // scripted check-in line
	ApologyText string // played before hangup on unrecoverable errors

	InitialVars map[string]string
	Logger      *slog.Logger

	// OnRecord receives the terminal analytics record. Called exactly
	// once, after the session reaches StateEnded.
	OnRecord func(Record)
}

// Session is the aggregate owning all per-call state. All cross-goroutine
// fields are reached only through its synchronized accessors; the
// orchestration loop serializes dialog turns.
type Session struct {
	id   string
	cfg  Config
	conn telephony.MediaConn
	log  *slog.Logger

	engine *dialog.Engine
	recog  *voice.RecognitionStage
	gen    *voice.GenerationStage
	synth  *voice.SynthesisSession

	mu             sync.Mutex
	state          State
	vars           map[string]string
	generating     bool // agent_generating_response
	activePlayback map[string]struct{}
	playbackSeq    uint64
	pendingUtter   int
	userActivity   uint64
	turnCancel     context.CancelFunc
	interrupted    bool
	endAfterDrain  bool
	reason         TerminationReason
	reasonSet      bool

	monitor *SilenceMonitor

	turns   chan string
	events  chan SessionEvent
	cancel  context.CancelFunc
	endOnce sync.Once
	ended   chan struct{}
}

// NewSession builds a session for an answered media connection.
func NewSession(id string, conn telephony.MediaConn, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("call_id", id)

	engineOpts := []dialog.EngineOption{}
	if cfg.Policy != "" {
		engineOpts = append(engineOpts, dialog.WithPolicy(cfg.Policy))
	}
	if cfg.HistoryWindow > 0 {
		engineOpts = append(engineOpts, dialog.WithHistoryWindow(cfg.HistoryWindow))
	}

	vars := make(map[string]string, len(cfg.InitialVars))
	for k, v := range cfg.InitialVars {
		vars[k] = v
	}

	return &Session{
		id:             id,
		cfg:            cfg,
		conn:           conn,
		log:            logger,
		engine:         dialog.NewEngine(cfg.Graph, cfg.Selector, engineOpts...),
		gen:            voice.NewGenerationStage(cfg.LLM),
		state:          StateInitializing,
		vars:           vars,
		activePlayback: make(map[string]struct{}),
		turns:          make(chan string, 4),
		events:         make(chan SessionEvent, 32),
		ended:          make(chan struct{}),
	}
}

// ID returns the call id.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Variables returns a copy of the collected variables.
func (s *Session) Variables() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Events returns the session's observable event stream. Closed when the
// session ends.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// Done is closed when the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.ended }

// Generating reports whether the agent is producing a response.
func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// ActivePlaybacks returns the number of outstanding audio handles.
func (s *Session) ActivePlaybacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activePlayback)
}

// Run drives the call until hangup or termination. It blocks for the
// call's lifetime and always emits the analytics record before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	startedAt := time.Now()

	s.setState(StateActive)

	s.synth = voice.NewSynthesisSession(ctx, s.cfg.TTS, s.cfg.TTSOptions, s.synthOptions()...)
	s.synth.SetCallbacks(voice.SynthesisCallbacks{
		OnAudio:  s.onSynthAudio,
		OnError:  s.onSynthError,
		OnSpoken: s.onSynthSpoken,
	})

	s.recog = voice.NewRecognitionStage(s.cfg.STT, s.cfg.STTConfig)
	s.recog.SetCallbacks(voice.RecognitionCallbacks{
		OnPartial: s.onUserSpeech,
		OnTurn:    s.onUserTurn,
		OnError:   s.onFatal,
	})
	if err := s.recog.Start(ctx); err != nil {
		s.failAndHangup(ctx, err)
		s.finish(startedAt)
		return err
	}

	s.monitor = NewSilenceMonitor(s.cfg.Silence, MonitorHooks{
		AgentBusy:    s.agentBusy,
		UserActivity: s.userActivityCount,
		OnHold:       s.onHold,
		CheckIn:      s.checkIn,
		Exhausted:    func() { s.terminate(ReasonSilence) },
		MaxDuration:  func() { s.terminate(ReasonMaxDuration) },
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.pumpInboundAudio(gctx); return nil })
	g.Go(func() error { s.pumpTelephonyEvents(gctx); return nil })
	g.Go(func() error { s.monitor.Run(gctx); return nil })
	g.Go(func() error { s.turnLoop(gctx); return nil })

	// The agent opens the call with the start node's line.
	s.enqueueTurn("")

	err := g.Wait()
	// If Run's context was cancelled externally the pumps exit without any
	// termination path having fired; release the media leg and providers
	// before the record is built and the event channel closes.
	s.terminate(ReasonError)
	s.finish(startedAt)
	return err
}

func (s *Session) synthOptions() []voice.SynthesisOption {
	if s.cfg.Transcode == nil {
		return nil
	}
	return []voice.SynthesisOption{voice.WithTranscode(s.cfg.Transcode)}
}

// pumpInboundAudio forwards caller audio to recognition.
func (s *Session) pumpInboundAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-s.conn.Audio():
			if !ok {
				return
			}
			if err := s.recog.SendAudio(chunk); err != nil {
				s.log.Debug("drop inbound audio", "error", err)
			}
		}
	}
}

// pumpTelephonyEvents handles playback acks and call lifecycle events.
func (s *Session) pumpTelephonyEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.conn.Events():
			if !ok {
				s.terminate(ReasonCallerHangup)
				return
			}
			switch ev.Type {
			case telephony.EventPlaybackEnded:
				s.ackPlayback(ev.MarkID)
			case telephony.EventDTMF:
				s.onUserSpeech(ev.Digit)
			case telephony.EventHangup:
				s.terminate(ReasonCallerHangup)
				return
			case telephony.EventError:
				s.onFatal(ev.Err)
			}
		}
	}
}

// turnLoop serializes dialog turns: only one executes at a time per call.
func (s *Session) turnLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case userText := <-s.turns:
			s.runTurn(ctx, userText)
		}
	}
}

func (s *Session) enqueueTurn(userText string) {
	select {
	case s.turns <- userText:
	default:
		s.log.Warn("turn queue full, dropping utterance")
	}
}

// onUserSpeech fires on every partial transcript and DTMF digit. It feeds
// the silence monitor and triggers barge-in when the agent is audible.
func (s *Session) onUserSpeech(string) {
	s.mu.Lock()
	s.userActivity++
	audible := s.generating || len(s.activePlayback) > 0
	var cancelTurn context.CancelFunc
	if audible {
		s.interrupted = true
		cancelTurn = s.turnCancel
		s.activePlayback = make(map[string]struct{})
		s.pendingUtter = 0
	}
	s.mu.Unlock()

	if !audible {
		return
	}

	// Barge-in: stop carrier playback, drop queued synthesis, cancel the
	// in-flight generation. The interrupting utterance becomes the next
	// turn's input.
	if err := s.conn.Clear(); err != nil {
		s.log.Debug("clear playback", "error", err)
	}
	s.synth.Cancel()
	if cancelTurn != nil {
		cancelTurn()
	}
	s.emit(SessionEvent{Kind: EventBargeIn, State: s.State()})
}

// onUserTurn fires on the recognizer's end-of-turn signal.
func (s *Session) onUserTurn(text string) {
	s.mu.Lock()
	s.userActivity++
	s.mu.Unlock()
	s.enqueueTurn(text)
}

// runTurn executes one dialog turn: extraction, reply production, ordered
// synthesis, then transition resolution.
func (s *Session) runTurn(ctx context.Context, userText string) {
	if s.State() != StateActive {
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.generating = true
	s.interrupted = false
	s.turnCancel = cancel
	plan, err := s.engine.PlanTurn(userText, s.vars)
	s.mu.Unlock()

	if err != nil {
		s.setGenerating(false)
		s.failAndHangup(ctx, err)
		return
	}

	agentText, genErr := s.produceReply(turnCtx, plan)
	s.setGenerating(false)

	s.mu.Lock()
	interrupted := s.interrupted
	s.turnCancel = nil
	s.mu.Unlock()

	if genErr != nil && !interrupted && turnCtx.Err() == nil {
		s.failAndHangup(ctx, genErr)
		return
	}

	// Selection may call out to a model; give it a variable snapshot so
	// the session lock is not held across network I/O.
	s.mu.Lock()
	varsCopy := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		varsCopy[k] = v
	}
	s.mu.Unlock()
	nextID, terminal := s.engine.CompleteTurn(ctx, userText, agentText, interrupted, varsCopy)

	s.emit(SessionEvent{Kind: EventTurnCompleted, State: s.State(), NodeID: nextID})

	if terminal && !interrupted {
		// Speak the terminal node's farewell, let queued audio finish,
		// then hang up.
		s.mu.Lock()
		farewell, ferr := s.engine.PlanTurn("", s.vars)
		s.mu.Unlock()
		if ferr == nil {
			s.setGenerating(true)
			farewellText, err := s.produceReply(turnCtx, farewell)
			if err != nil {
				s.log.Warn("farewell generation failed", "error", err)
			}
			s.setGenerating(false)
			if farewellText != "" {
				// Agent-only turn so the final transcript carries the
				// farewell; a blank user utterance never moves the graph.
				s.engine.CompleteTurn(ctx, "", farewellText, false, nil)
			}
		}

		s.mu.Lock()
		s.endAfterDrain = true
		drained := s.pendingUtter == 0 && len(s.activePlayback) == 0
		s.mu.Unlock()
		if drained {
			s.terminate(ReasonCompleted)
		}
	}
}

// produceReply renders or generates the agent's reply, streaming sentences
// to synthesis as they complete.
func (s *Session) produceReply(ctx context.Context, plan *dialog.Plan) (string, error) {
	if plan.Mode == dialog.ModeScript {
		if plan.Script == "" {
			return "", nil
		}
		buf := voice.NewSentenceBuffer()
		for _, sentence := range buf.Add(plan.Script) {
			s.speak(sentence)
		}
		if rest := buf.Flush(); rest != "" {
			s.speak(rest)
		}
		return plan.Script, nil
	}

	req := &llm.Request{
		Model:       s.cfg.Model,
		System:      plan.System,
		Messages:    plan.Messages,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	return s.gen.Generate(ctx, req, func(sentence string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.speak(sentence)
		return nil
	})
}

// speak queues one sentence for ordered synthesis. The pending count goes
// up before the enqueue: the dispatcher can settle an instantly completed
// utterance before Speak returns, and a late increment would never drain.
func (s *Session) speak(sentence string) {
	s.mu.Lock()
	s.pendingUtter++
	s.mu.Unlock()
	if _, err := s.synth.Speak(sentence); err != nil {
		s.log.Warn("synthesis enqueue failed", "error", err)
		s.utteranceSettled()
	}
}

// onSynthSpoken fires after an utterance's last chunk was dispatched.
func (s *Session) onSynthSpoken(string) {
	s.utteranceSettled()
}

func (s *Session) utteranceSettled() {
	s.mu.Lock()
	if s.pendingUtter > 0 {
		s.pendingUtter--
	}
	drained := s.endAfterDrain && s.pendingUtter == 0 && len(s.activePlayback) == 0
	s.mu.Unlock()
	if drained {
		s.terminate(ReasonCompleted)
	}
}

// onSynthAudio dispatches a synthesized chunk to the telephony leg. Each
// chunk carries a unique mark so playback acks arrive one per chunk.
func (s *Session) onSynthAudio(utteranceID string, chunk []byte) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.playbackSeq++
	markID := fmt.Sprintf("%s/%d", utteranceID, s.playbackSeq)
	s.activePlayback[markID] = struct{}{}
	s.mu.Unlock()

	if err := s.conn.Play(chunk, markID); err != nil {
		s.mu.Lock()
		delete(s.activePlayback, markID)
		s.mu.Unlock()
		s.log.Warn("playback dispatch failed", "error", err)
	}
}

func (s *Session) onSynthError(utteranceID string, err error) {
	s.log.Warn("utterance failed on both synthesis paths", "utterance_id", utteranceID, "error", err)
	s.utteranceSettled()
}

// ackPlayback removes a delivered mark. An empty set means the agent has
// finished speaking and the silence monitor may start timing.
func (s *Session) ackPlayback(markID string) {
	s.mu.Lock()
	delete(s.activePlayback, markID)
	drained := s.endAfterDrain && s.pendingUtter == 0 && len(s.activePlayback) == 0
	s.mu.Unlock()
	if drained {
		s.terminate(ReasonCompleted)
	}
}

func (s *Session) setGenerating(v bool) {
	s.mu.Lock()
	s.generating = v
	s.mu.Unlock()
}

// agentBusy is the silence monitor's view: response in progress or audio
// still reaching the caller.
func (s *Session) agentBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating || len(s.activePlayback) > 0
}

func (s *Session) userActivityCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userActivity
}

// onHold reports whether extraction set the reserved hold variable.
func (s *Session) onHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vars[dialog.HoldVariable] == "true"
}

// checkIn plays the scripted dead-air line.
func (s *Session) checkIn(count int) {
	text := s.cfg.CheckinText
	if text == "" {
		text = "Are you still there?"
	}
	s.log.Info("silence check-in", "count", count)
	s.emit(SessionEvent{Kind: EventCheckIn, State: s.State(), Detail: fmt.Sprintf("%d", count)})
	s.speak(text)
}

// onFatal handles unrecoverable provider failures: apology, then hangup.
func (s *Session) onFatal(err error) {
	if err == nil || s.State() != StateActive {
		return
	}
	s.log.Error("unrecoverable call failure", "error", err)
	s.failAndHangup(context.Background(), err)
}

// failAndHangup plays the apology through the non-streaming path so it
// works even when the streaming pipeline is what failed, then terminates.
func (s *Session) failAndHangup(ctx context.Context, cause error) {
	s.mu.Lock()
	already := s.reasonSet
	if !already {
		s.reason = ReasonError
		s.reasonSet = true
	}
	s.mu.Unlock()
	if already {
		s.terminate(ReasonError)
		return
	}

	apology := s.cfg.ApologyText
	if apology == "" {
		apology = "I'm sorry, we're having technical difficulties. Goodbye."
	}

	playCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if synth, err := s.cfg.TTS.Synthesize(playCtx, apology, s.cfg.TTSOptions); err == nil {
		audio := synth.Audio
		if s.cfg.Transcode != nil {
			audio = s.cfg.Transcode(audio)
		}
		if err := s.conn.Play(audio, "apology"); err == nil {
			// Brief grace so the carrier can flush the apology.
			select {
			case <-time.After(2 * time.Second):
			case <-playCtx.Done():
			}
		}
	}

	if core.IsType(cause, core.ErrConnection) || core.IsType(cause, core.ErrTimeout) {
		s.log.Warn("provider connection lost", "error", cause)
	}
	s.terminate(ReasonError)
}

// terminate starts graceful shutdown exactly once.
func (s *Session) terminate(reason TerminationReason) {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminating
	if !s.reasonSet {
		s.reason = reason
		s.reasonSet = true
	}
	s.mu.Unlock()

	s.emit(SessionEvent{Kind: EventStateChanged, State: StateTerminating})
	s.log.Info("terminating call", "reason", reason.String())

	if s.synth != nil {
		s.synth.Close()
	}
	if s.recog != nil {
		s.recog.Close()
	}
	s.conn.Hangup()
	if s.cancel != nil {
		s.cancel()
	}
}

// finish builds and emits the analytics record. Runs exactly once, on
// every termination path, even after provider failures.
func (s *Session) finish(startedAt time.Time) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.state = StateEnded
		reason := s.reason
		if !s.reasonSet {
			reason = ReasonCallerHangup
		}
		checkins := 0
		if s.monitor != nil {
			checkins = s.monitor.Checkins()
		}
		vars := make(map[string]string, len(s.vars))
		for k, v := range s.vars {
			vars[k] = v
		}
		s.mu.Unlock()

		rec := Record{
			CallID:       s.id,
			StartedAt:    startedAt,
			EndedAt:      time.Now(),
			Transcript:   s.engine.History(),
			NodePath:     s.engine.Path(),
			Variables:    vars,
			Reason:       reason,
			CheckinCount: checkins,
		}

		s.emit(SessionEvent{Kind: EventTerminated, State: StateEnded})
		close(s.events)
		close(s.ended)

		if s.cfg.OnRecord != nil {
			s.cfg.OnRecord(rec)
		}
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emit(SessionEvent{Kind: EventStateChanged, State: st})
}

func (s *Session) emit(ev SessionEvent) {
	select {
	case s.events <- ev:
	default:
	}
}
