package voice

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/core/voice/tts"
)

// fakeTTS synthesizes by echoing text bytes. Streaming completion order is
// controlled per-utterance so tests can finish later sentences first.
type fakeTTS struct {
	mu         sync.Mutex
	opened     []*tts.Utterance
	failOpens  int
	synthCalls []string
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.Synthesis, error) {
	f.mu.Lock()
	f.synthCalls = append(f.synthCalls, text)
	f.mu.Unlock()
	return &tts.Synthesis{Audio: []byte("fallback:" + text), Format: "pcm"}, nil
}

func (f *fakeTTS) OpenUtterance(ctx context.Context, opts tts.Options) (*tts.Utterance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpens > 0 {
		f.failOpens--
		return nil, fmt.Errorf("dial failed")
	}
	u := tts.NewUtterance(fmt.Sprintf("utt-%d", len(f.opened)))
	u.SendFunc = func(text string, isFinal bool) error { return nil }
	f.opened = append(f.opened, u)
	return u, nil
}

// collect gathers callback output in order.
type collect struct {
	mu     sync.Mutex
	events []string
	done   chan string
}

func newCollect() *collect {
	return &collect{done: make(chan string, 16)}
}

func (c *collect) callbacks() SynthesisCallbacks {
	return SynthesisCallbacks{
		OnAudio: func(id string, chunk []byte) {
			c.mu.Lock()
			c.events = append(c.events, "audio:"+string(chunk))
			c.mu.Unlock()
		},
		OnSpoken: func(id string) {
			c.mu.Lock()
			c.events = append(c.events, "spoken:"+id)
			c.mu.Unlock()
			c.done <- id
		},
		OnError: func(id string, err error) {
			c.mu.Lock()
			c.events = append(c.events, "error:"+id)
			c.mu.Unlock()
			c.done <- id
		},
	}
}

func (c *collect) waitSpoken(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for utterance %d of %d", i+1, n)
		}
	}
}

func (c *collect) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

func TestSynthesisSession_DeliversInEnqueueOrder(t *testing.T) {
	provider := &fakeTTS{}
	s := NewSynthesisSession(context.Background(), provider, tts.Options{})
	defer s.Close()

	col := newCollect()
	s.SetCallbacks(col.callbacks())

	if _, err := s.Speak("first."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if _, err := s.Speak("second."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if _, err := s.Speak("third."); err != nil {
		t.Fatalf("speak: %v", err)
	}

	provider.mu.Lock()
	utts := append([]*tts.Utterance(nil), provider.opened...)
	provider.mu.Unlock()
	if len(utts) != 3 {
		t.Fatalf("opened %d utterances, want 3", len(utts))
	}

	// Complete synthesis out of order: third, then second, then first.
	utts[2].PushAudio([]byte("C"))
	utts[2].FinishAudio()
	utts[1].PushAudio([]byte("B"))
	utts[1].FinishAudio()
	utts[0].PushAudio([]byte("A"))
	utts[0].FinishAudio()

	col.waitSpoken(t, 3)

	var audio []string
	for _, ev := range col.snapshot() {
		if len(ev) > 6 && ev[:6] == "audio:" {
			audio = append(audio, ev[6:])
		}
	}
	want := []string{"A", "B", "C"}
	for i := range want {
		if audio[i] != want[i] {
			t.Fatalf("audio order = %v, want %v", audio, want)
		}
	}
}

func TestSynthesisSession_FallsBackWhenStreamingUnavailable(t *testing.T) {
	provider := &fakeTTS{failOpens: 2} // both open attempts fail
	s := NewSynthesisSession(context.Background(), provider, tts.Options{})
	defer s.Close()

	col := newCollect()
	s.SetCallbacks(col.callbacks())

	if _, err := s.Speak("hello there."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	col.waitSpoken(t, 1)

	provider.mu.Lock()
	calls := append([]string(nil), provider.synthCalls...)
	provider.mu.Unlock()
	if len(calls) != 1 || calls[0] != "hello there." {
		t.Fatalf("fallback calls = %v", calls)
	}

	events := col.snapshot()
	if events[0] != "audio:fallback:hello there." {
		t.Fatalf("events = %v", events)
	}
}

func TestSynthesisSession_CancelDiscardsQueued(t *testing.T) {
	provider := &fakeTTS{}
	s := NewSynthesisSession(context.Background(), provider, tts.Options{})
	defer s.Close()

	col := newCollect()
	s.SetCallbacks(col.callbacks())

	if _, err := s.Speak("will be cancelled."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	s.Cancel()

	// Audio arriving after cancel must not be delivered.
	provider.mu.Lock()
	utt := provider.opened[0]
	provider.mu.Unlock()
	utt.PushAudio([]byte("late"))
	utt.FinishAudio()

	// A new sentence after cancel plays normally.
	if _, err := s.Speak("next turn."); err != nil {
		t.Fatalf("speak after cancel: %v", err)
	}
	provider.mu.Lock()
	next := provider.opened[1]
	provider.mu.Unlock()
	next.PushAudio([]byte("N"))
	next.FinishAudio()

	col.waitSpoken(t, 1)

	for _, ev := range col.snapshot() {
		if ev == "audio:late" {
			t.Fatal("cancelled audio was delivered")
		}
	}
}

func TestSynthesisSession_TranscodeApplied(t *testing.T) {
	provider := &fakeTTS{}
	s := NewSynthesisSession(context.Background(), provider, tts.Options{},
		WithTranscode(func(b []byte) []byte { return append([]byte("t:"), b...) }))
	defer s.Close()

	col := newCollect()
	s.SetCallbacks(col.callbacks())

	if _, err := s.Speak("one."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	provider.mu.Lock()
	utt := provider.opened[0]
	provider.mu.Unlock()
	utt.PushAudio([]byte("X"))
	utt.FinishAudio()

	col.waitSpoken(t, 1)

	events := col.snapshot()
	if events[0] != "audio:t:X" {
		t.Fatalf("events = %v", events)
	}
}

func TestSynthesisSession_SpeakAfterCloseFails(t *testing.T) {
	provider := &fakeTTS{}
	s := NewSynthesisSession(context.Background(), provider, tts.Options{})
	s.Close()

	if _, err := s.Speak("too late."); err == nil {
		t.Fatal("speak after close should fail")
	}
}
