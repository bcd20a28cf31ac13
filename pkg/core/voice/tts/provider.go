// Package tts provides text-to-speech synthesis for the call pipeline.
package tts

import (
	"context"
	"sync"
	"sync/atomic"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts a complete text to audio in one request. Used as
	// the fallback path when streaming synthesis is unavailable.
	Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error)

	// OpenUtterance starts an incremental synthesis context on the
	// provider's persistent connection. Text is appended in chunks and
	// audio for this utterance streams back on the returned handle.
	OpenUtterance(ctx context.Context, opts Options) (*Utterance, error)
}

// Options configures synthesis.
type Options struct {
	Voice      string  // Voice identifier
	Speed      float64 // Speed multiplier
	Language   string  // Language code
	Format     string  // Output format: "pcm", "wav", or "mulaw"
	SampleRate int     // Output sample rate in Hz
}

// Synthesis is the result of non-streaming synthesis.
type Synthesis struct {
	Audio  []byte
	Format string
}

// Utterance is one incremental synthesis context. Text chunks go in via
// SendText and audio for this utterance comes out via Audio. Several
// utterances can be open at once on the same provider connection; the
// provider demultiplexes audio back to the owning handle.
type Utterance struct {
	// ID identifies this utterance on the provider connection and in
	// playback acknowledgements.
	ID string

	audio     chan []byte
	errMu     sync.Mutex
	err       error
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// Hooks set by the provider implementation.
	SendFunc   func(text string, isFinal bool) error
	CancelFunc func() error
}

// NewUtterance creates an utterance handle with the given id.
func NewUtterance(id string) *Utterance {
	return &Utterance{
		ID:    id,
		audio: make(chan []byte, 100),
		done:  make(chan struct{}),
	}
}

// SendText appends a text chunk. Set isFinal on the last chunk so the
// provider can close out the utterance and flush remaining audio.
func (u *Utterance) SendText(text string, isFinal bool) error {
	if u.closed.Load() {
		return ErrUtteranceClosed
	}
	if u.SendFunc != nil {
		return u.SendFunc(text, isFinal)
	}
	return nil
}

// Audio returns the channel of audio chunks for this utterance. The channel
// is closed when the provider finishes the utterance; Err reports why if the
// close was abnormal.
func (u *Utterance) Audio() <-chan []byte {
	return u.audio
}

// Err returns the terminal error, if any.
func (u *Utterance) Err() error {
	u.errMu.Lock()
	defer u.errMu.Unlock()
	return u.err
}

// Close cancels the utterance. Audio already buffered may still be read;
// no further chunks will arrive.
func (u *Utterance) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		if u.CancelFunc != nil {
			err = u.CancelFunc()
		}
		close(u.done)
	})
	return err
}

// Done returns a channel closed when the utterance is closed.
func (u *Utterance) Done() <-chan struct{} {
	return u.done
}

// PushAudio delivers an audio chunk. Returns false if the utterance was
// closed. For provider implementations.
func (u *Utterance) PushAudio(chunk []byte) bool {
	// The closed check comes first: once Close has returned, the select
	// below could still win the buffered send.
	if u.closed.Load() {
		return false
	}
	select {
	case u.audio <- chunk:
		return true
	case <-u.done:
		return false
	}
}

// SetError records the terminal error. For provider implementations.
func (u *Utterance) SetError(err error) {
	u.errMu.Lock()
	if u.err == nil {
		u.err = err
	}
	u.errMu.Unlock()
}

// FinishAudio closes the audio channel. For provider implementations.
func (u *Utterance) FinishAudio() {
	close(u.audio)
}

// ErrUtteranceClosed is returned when sending text to a closed utterance.
var ErrUtteranceClosed = &utteranceClosedError{}

type utteranceClosedError struct{}

func (e *utteranceClosedError) Error() string { return "utterance closed" }
