package tts

import (
	"testing"
)

func TestBuildOutputFormat(t *testing.T) {
	tests := []struct {
		name          string
		opts          Options
		wantContainer string
		wantEncoding  string
		wantRate      int
	}{
		{
			name:          "default pcm",
			opts:          Options{},
			wantContainer: "raw",
			wantEncoding:  "pcm_s16le",
			wantRate:      16000,
		},
		{
			name:          "mulaw telephony",
			opts:          Options{Format: "mulaw", SampleRate: 8000},
			wantContainer: "raw",
			wantEncoding:  "pcm_mulaw",
			wantRate:      8000,
		},
		{
			name:          "wav",
			opts:          Options{Format: "wav", SampleRate: 24000},
			wantContainer: "wav",
			wantEncoding:  "pcm_s16le",
			wantRate:      24000,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := buildOutputFormat(tc.opts)
			if got.Container != tc.wantContainer {
				t.Fatalf("container = %q, want %q", got.Container, tc.wantContainer)
			}
			if got.Encoding != tc.wantEncoding {
				t.Fatalf("encoding = %q, want %q", got.Encoding, tc.wantEncoding)
			}
			if got.SampleRate != tc.wantRate {
				t.Fatalf("sample rate = %d, want %d", got.SampleRate, tc.wantRate)
			}
		})
	}
}

func TestUtterance_PushAndFinish(t *testing.T) {
	u := NewUtterance("u1")

	if !u.PushAudio([]byte{1, 2, 3}) {
		t.Fatal("push on open utterance should succeed")
	}
	u.FinishAudio()

	chunk, ok := <-u.Audio()
	if !ok || len(chunk) != 3 {
		t.Fatalf("chunk = %v, ok = %v", chunk, ok)
	}
	if _, ok := <-u.Audio(); ok {
		t.Fatal("audio channel should be closed")
	}
	if u.Err() != nil {
		t.Fatalf("err = %v, want nil", u.Err())
	}
}

func TestUtterance_CloseStopsPush(t *testing.T) {
	u := NewUtterance("u1")
	var cancelled bool
	u.CancelFunc = func() error {
		cancelled = true
		return nil
	}

	if err := u.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !cancelled {
		t.Fatal("close should invoke the cancel hook")
	}
	// The audio buffer has room, so a racy select could accept the send;
	// every push after Close must still report closed.
	for i := 0; i < 100; i++ {
		if u.PushAudio([]byte{1}) {
			t.Fatalf("push %d after close should fail", i)
		}
	}
	if err := u.SendText("hello", false); err != ErrUtteranceClosed {
		t.Fatalf("send after close = %v, want ErrUtteranceClosed", err)
	}
	// Close is idempotent.
	if err := u.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestUtterance_SetErrorKeepsFirst(t *testing.T) {
	u := NewUtterance("u1")
	first := &utteranceClosedError{}
	u.SetError(first)
	u.SetError(ErrUtteranceClosed)
	if u.Err() != first {
		t.Fatal("first error should win")
	}
}
