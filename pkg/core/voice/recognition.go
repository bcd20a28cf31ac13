package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/voxwire/voxwire/pkg/core"
	"github.com/voxwire/voxwire/pkg/core/voice/stt"
)

// RecognitionCallbacks receive transcription results. Callbacks are invoked
// from the stage's event goroutine and must not block.
type RecognitionCallbacks struct {
	// OnPartial fires on interim transcripts, for barge-in detection.
	OnPartial func(text string)

	// OnTurn fires when the provider signals end of turn, with all final
	// segments of the turn joined in order. Empty turns are suppressed.
	OnTurn func(text string)

	// OnError fires on unrecoverable stream failure.
	OnError func(err error)
}

// RecognitionStage runs a live transcription stream and assembles user
// turns. Final segments accumulate until the provider's end-of-turn signal,
// then flush as one turn. A dropped stream is reopened once; a second
// failure is surfaced through OnError.
type RecognitionStage struct {
	provider stt.Provider
	cfg      stt.StreamConfig

	mu          sync.Mutex
	callbacks   RecognitionCallbacks
	rec         stt.Recognizer
	segments    []string
	reconnected bool

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecognitionStage creates a recognition stage.
func NewRecognitionStage(provider stt.Provider, cfg stt.StreamConfig) *RecognitionStage {
	return &RecognitionStage{provider: provider, cfg: cfg}
}

// SetCallbacks installs the result callbacks. Must be called before Start.
func (r *RecognitionStage) SetCallbacks(cb RecognitionCallbacks) {
	r.mu.Lock()
	r.callbacks = cb
	r.mu.Unlock()
}

// Start opens the transcription stream and begins processing events.
func (r *RecognitionStage) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	rec, err := r.provider.OpenStream(r.ctx, r.cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.rec = rec
	r.mu.Unlock()

	r.wg.Add(1)
	go r.eventLoop(rec)
	return nil
}

// SendAudio forwards caller audio to the live stream.
func (r *RecognitionStage) SendAudio(data []byte) error {
	if r.closed.Load() {
		return core.NewConnectionError(r.provider.Name(), fmt.Errorf("recognition stage closed"))
	}
	r.mu.Lock()
	rec := r.rec
	r.mu.Unlock()
	if rec == nil {
		return core.NewConnectionError(r.provider.Name(), fmt.Errorf("stream not open"))
	}
	return rec.SendAudio(data)
}

func (r *RecognitionStage) eventLoop(rec stt.Recognizer) {
	defer r.wg.Done()

	for ev := range rec.Events() {
		switch ev.Type {
		case stt.EventPartial:
			if cb := r.partialCallback(); cb != nil {
				cb(ev.Text)
			}

		case stt.EventFinal:
			r.mu.Lock()
			r.segments = append(r.segments, ev.Text)
			r.mu.Unlock()

		case stt.EventEndOfTurn:
			r.flushTurn()
		}
	}

	if r.closed.Load() {
		return
	}

	if err := rec.Err(); err != nil {
		r.handleStreamFailure(err)
	}
}

// flushTurn joins accumulated final segments into one turn and clears them.
func (r *RecognitionStage) flushTurn() {
	r.mu.Lock()
	text := strings.TrimSpace(strings.Join(r.segments, " "))
	r.segments = nil
	cb := r.callbacks.OnTurn
	r.mu.Unlock()

	if text == "" || cb == nil {
		return
	}
	cb(text)
}

func (r *RecognitionStage) partialCallback() func(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callbacks.OnPartial
}

// handleStreamFailure reopens the stream once. Accumulated segments from
// the interrupted turn are kept so the turn survives the reconnect.
func (r *RecognitionStage) handleStreamFailure(cause error) {
	r.mu.Lock()
	already := r.reconnected
	r.reconnected = true
	onError := r.callbacks.OnError
	r.mu.Unlock()

	if already || r.ctx.Err() != nil {
		if onError != nil {
			onError(core.NewConnectionError(r.provider.Name(), cause))
		}
		return
	}

	rec, err := r.provider.OpenStream(r.ctx, r.cfg)
	if err != nil {
		if onError != nil {
			onError(core.NewConnectionError(r.provider.Name(), cause))
		}
		return
	}

	r.mu.Lock()
	r.rec = rec
	r.mu.Unlock()

	r.wg.Add(1)
	go r.eventLoop(rec)
}

// Close stops the stage and tears down the stream.
func (r *RecognitionStage) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	rec := r.rec
	r.mu.Unlock()
	var err error
	if rec != nil {
		err = rec.Close()
	}
	r.wg.Wait()
	return err
}
