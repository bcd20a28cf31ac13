package voice

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/pkg/core"
	"github.com/voxwire/voxwire/pkg/core/voice/tts"
)

// SynthesisCallbacks receive ordered audio output. OnAudio and OnSpoken are
// invoked from the session's dispatch goroutine, one utterance at a time.
type SynthesisCallbacks struct {
	// OnAudio delivers an audio chunk belonging to the utterance.
	OnAudio func(utteranceID string, chunk []byte)

	// OnSpoken fires after the last chunk of an utterance is delivered.
	OnSpoken func(utteranceID string)

	// OnError fires when an utterance fails on both the streaming and
	// fallback paths. Dispatch continues with the next utterance.
	OnError func(utteranceID string, err error)
}

// SynthesisSession converts sentences to speech and guarantees audio is
// delivered in the order sentences were spoken, regardless of the order
// the provider finishes synthesizing them. Utterances synthesize
// concurrently on the provider's persistent connection; a single dispatch
// goroutine drains them strictly in enqueue order.
//
// If streaming synthesis fails for a sentence, the session falls back to
// a non-streaming request for that sentence. Cancel discards everything
// queued and in flight.
type SynthesisSession struct {
	provider  tts.Provider
	opts      tts.Options
	transcode func([]byte) []byte

	callbacks SynthesisCallbacks
	queue     chan *queuedUtterance

	mu    sync.Mutex
	epoch int
	open  map[string]*tts.Utterance

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queuedUtterance struct {
	id    string
	text  string
	epoch int
	utt   *tts.Utterance // nil means streaming open failed, use fallback
}

// SynthesisOption configures the session.
type SynthesisOption func(*SynthesisSession)

// WithTranscode installs a per-chunk audio transform, e.g. PCM to mu-law
// for telephony output.
func WithTranscode(fn func([]byte) []byte) SynthesisOption {
	return func(s *SynthesisSession) { s.transcode = fn }
}

// NewSynthesisSession creates a synthesis session and starts its dispatch
// goroutine.
func NewSynthesisSession(ctx context.Context, provider tts.Provider, opts tts.Options, sessOpts ...SynthesisOption) *SynthesisSession {
	ctx, cancel := context.WithCancel(ctx)
	s := &SynthesisSession{
		provider: provider,
		opts:     opts,
		queue:    make(chan *queuedUtterance, 64),
		open:     make(map[string]*tts.Utterance),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range sessOpts {
		opt(s)
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// SetCallbacks installs the output callbacks. Must be called before the
// first Speak.
func (s *SynthesisSession) SetCallbacks(cb SynthesisCallbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

// Speak queues a sentence for synthesis and returns its utterance id. The
// sentence starts synthesizing immediately; its audio is delivered after
// every earlier sentence finishes.
func (s *SynthesisSession) Speak(text string) (string, error) {
	if s.closed.Load() {
		return "", core.NewSynthesisError(s.provider.Name(), ErrSessionClosed)
	}

	utt := s.openUtterance(text)

	s.mu.Lock()
	q := &queuedUtterance{text: text, epoch: s.epoch, utt: utt}
	if utt != nil {
		q.id = utt.ID
		s.open[utt.ID] = utt
	} else {
		q.id = uuid.NewString()
	}
	s.mu.Unlock()

	select {
	case s.queue <- q:
		return q.id, nil
	case <-s.ctx.Done():
		return "", core.NewSynthesisError(s.provider.Name(), s.ctx.Err())
	}
}

// openUtterance opens a streaming context and sends the full sentence.
// One retry covers a stale provider connection; returns nil when streaming
// is unavailable so dispatch uses the fallback path.
func (s *SynthesisSession) openUtterance(text string) *tts.Utterance {
	for attempt := 0; attempt < 2; attempt++ {
		utt, err := s.provider.OpenUtterance(s.ctx, s.opts)
		if err != nil {
			continue
		}
		if err := utt.SendText(text, true); err != nil {
			utt.Close()
			continue
		}
		return utt
	}
	return nil
}

// dispatchLoop plays queued utterances strictly in order.
func (s *SynthesisSession) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case q := <-s.queue:
			if s.cancelledSince(q.epoch) {
				continue
			}
			s.play(q)
		}
	}
}

func (s *SynthesisSession) cancelledSince(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch != s.epoch
}

func (s *SynthesisSession) play(q *queuedUtterance) {
	cb := s.currentCallbacks()

	if q.utt == nil {
		s.playFallback(q, cb)
		return
	}

	delivered := false
	for {
		if s.cancelledSince(q.epoch) {
			s.forget(q.id)
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-q.utt.Done():
			// Cancelled mid-play.
			s.forget(q.id)
			return
		case chunk, ok := <-q.utt.Audio():
			if !ok {
				s.forget(q.id)
				if err := q.utt.Err(); err != nil {
					if delivered {
						// Partial audio already went out; replaying the
						// whole sentence via fallback would stutter.
						if cb.OnError != nil {
							cb.OnError(q.id, err)
						}
						return
					}
					s.playFallback(q, cb)
					return
				}
				if cb.OnSpoken != nil {
					cb.OnSpoken(q.id)
				}
				return
			}
			if len(chunk) == 0 {
				continue
			}
			delivered = true
			s.deliver(q.id, chunk, cb)
		}
	}
}

// playFallback synthesizes the whole sentence in one request.
func (s *SynthesisSession) playFallback(q *queuedUtterance, cb SynthesisCallbacks) {
	if s.cancelledSince(q.epoch) {
		return
	}
	synth, err := s.provider.Synthesize(s.ctx, q.text, s.opts)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(q.id, err)
		}
		return
	}
	if s.cancelledSince(q.epoch) {
		return
	}
	if len(synth.Audio) > 0 {
		s.deliver(q.id, synth.Audio, cb)
	}
	if cb.OnSpoken != nil {
		cb.OnSpoken(q.id)
	}
}

func (s *SynthesisSession) deliver(id string, chunk []byte, cb SynthesisCallbacks) {
	if s.transcode != nil {
		chunk = s.transcode(chunk)
	}
	if cb.OnAudio != nil {
		cb.OnAudio(id, chunk)
	}
}

func (s *SynthesisSession) currentCallbacks() SynthesisCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks
}

func (s *SynthesisSession) forget(id string) {
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
}

// Cancel discards all queued and in-flight utterances. Used on barge-in.
// The session stays usable for subsequent turns.
func (s *SynthesisSession) Cancel() {
	s.mu.Lock()
	s.epoch++
	open := s.open
	s.open = make(map[string]*tts.Utterance)
	s.mu.Unlock()

	for _, utt := range open {
		utt.Close()
	}
}

// Close cancels everything and stops the dispatch goroutine.
func (s *SynthesisSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.Cancel()
	s.cancel()
	s.wg.Wait()
	return nil
}

// ErrSessionClosed is returned when speaking on a closed session.
var ErrSessionClosed = &sessionClosedError{}

type sessionClosedError struct{}

func (e *sessionClosedError) Error() string { return "synthesis session closed" }
