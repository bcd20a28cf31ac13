package voice

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/core"
	"github.com/voxwire/voxwire/pkg/core/voice/stt"
)

type fakeRecognizer struct {
	events    chan stt.Event
	err       error
	sent      [][]byte
	mu        sync.Mutex
	closeOnce sync.Once
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{events: make(chan stt.Event, 16)}
}

func (f *fakeRecognizer) SendAudio(data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognizer) Events() <-chan stt.Event { return f.events }

func (f *fakeRecognizer) Err() error { return f.err }

func (f *fakeRecognizer) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

type fakeSTT struct {
	mu        sync.Mutex
	streams   []*fakeRecognizer
	failOpens int
}

func (f *fakeSTT) Name() string { return "fake" }

func (f *fakeSTT) OpenStream(ctx context.Context, cfg stt.StreamConfig) (stt.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpens > 0 {
		f.failOpens--
		return nil, fmt.Errorf("dial failed")
	}
	r := newFakeRecognizer()
	f.streams = append(f.streams, r)
	return r, nil
}

func (f *fakeSTT) stream(i int) *fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func TestRecognitionStage_AssemblesTurnFromFinals(t *testing.T) {
	provider := &fakeSTT{}
	stage := NewRecognitionStage(provider, stt.StreamConfig{})

	turns := make(chan string, 4)
	var partials []string
	var mu sync.Mutex
	stage.SetCallbacks(RecognitionCallbacks{
		OnPartial: func(text string) {
			mu.Lock()
			partials = append(partials, text)
			mu.Unlock()
		},
		OnTurn: func(text string) { turns <- text },
	})

	if err := stage.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec := provider.stream(0)
	rec.events <- stt.Event{Type: stt.EventPartial, Text: "yeah this"}
	rec.events <- stt.Event{Type: stt.EventFinal, Text: "yeah this is"}
	rec.events <- stt.Event{Type: stt.EventFinal, Text: "mike"}
	rec.events <- stt.Event{Type: stt.EventEndOfTurn}

	select {
	case turn := <-turns:
		if turn != "yeah this is mike" {
			t.Fatalf("turn = %q, want %q", turn, "yeah this is mike")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no turn emitted")
	}

	mu.Lock()
	gotPartials := len(partials)
	mu.Unlock()
	if gotPartials != 1 {
		t.Fatalf("partials = %d, want 1", gotPartials)
	}

	// End of turn with no finals must not emit an empty turn.
	rec.events <- stt.Event{Type: stt.EventEndOfTurn}
	rec.events <- stt.Event{Type: stt.EventFinal, Text: "hello"}
	rec.events <- stt.Event{Type: stt.EventEndOfTurn}

	select {
	case turn := <-turns:
		if turn != "hello" {
			t.Fatalf("turn = %q, want hello", turn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no second turn emitted")
	}

	stage.Close()
}

func TestRecognitionStage_ReconnectsOnceThenFails(t *testing.T) {
	provider := &fakeSTT{}
	stage := NewRecognitionStage(provider, stt.StreamConfig{})

	errs := make(chan error, 2)
	turns := make(chan string, 2)
	stage.SetCallbacks(RecognitionCallbacks{
		OnTurn:  func(text string) { turns <- text },
		OnError: func(err error) { errs <- err },
	})

	if err := stage.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// First stream drops abnormally; stage should reopen a new one.
	first := provider.stream(0)
	first.err = fmt.Errorf("connection reset")
	first.Close()

	deadline := time.After(2 * time.Second)
	for {
		provider.mu.Lock()
		n := len(provider.streams)
		provider.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stage did not reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The replacement stream keeps working.
	second := provider.stream(1)
	second.events <- stt.Event{Type: stt.EventFinal, Text: "still here"}
	second.events <- stt.Event{Type: stt.EventEndOfTurn}
	select {
	case turn := <-turns:
		if turn != "still here" {
			t.Fatalf("turn = %q", turn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no turn after reconnect")
	}

	// A second drop is terminal.
	second.err = fmt.Errorf("connection reset again")
	second.Close()

	select {
	case err := <-errs:
		if !core.IsType(err, core.ErrConnection) {
			t.Fatalf("error type = %v, want connection error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal error surfaced")
	}

	stage.Close()
}
