package telephony

import (
	"testing"
)

func pcmBytes(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func pcmSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

func TestEncodeMulaw_KnownValues(t *testing.T) {
	// Silence encodes to 0xFF in mu-law.
	got := EncodeMulaw(pcmBytes(0))
	if len(got) != 1 || got[0] != 0xFF {
		t.Fatalf("silence = %#x, want 0xff", got)
	}
}

func TestMulaw_RoundTripAccuracy(t *testing.T) {
	// Mu-law is lossy; the round trip must stay within the quantization
	// step for the sample's magnitude (coarser at higher amplitudes).
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}
	encoded := EncodeMulaw(pcmBytes(samples...))
	decoded := pcmSamples(DecodeMulaw(encoded))

	for i, want := range samples {
		got := int32(decoded[i])
		w := int32(want)
		diff := got - w
		if diff < 0 {
			diff = -diff
		}
		tolerance := int32(8)
		mag := w
		if mag < 0 {
			mag = -mag
		}
		for step := int32(256); step <= mag; step <<= 1 {
			tolerance <<= 1
		}
		if diff > tolerance {
			t.Fatalf("sample %d: %d -> %d (diff %d > tolerance %d)", i, want, got, diff, tolerance)
		}
	}
}

func TestEncodeMulaw_HalvesLength(t *testing.T) {
	pcm := make([]byte, 320) // 160 samples, one 20 ms frame at 8 kHz
	if got := EncodeMulaw(pcm); len(got) != 160 {
		t.Fatalf("len = %d, want 160", len(got))
	}
	// Odd trailing byte ignored.
	if got := EncodeMulaw(make([]byte, 5)); len(got) != 2 {
		t.Fatalf("odd input len = %d, want 2", len(got))
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		typ  EventType
		want string
	}{
		{EventAnswered, "ANSWERED"},
		{EventPlaybackEnded, "PLAYBACK_ENDED"},
		{EventDTMF, "DTMF"},
		{EventHangup, "HANGUP"},
		{EventError, "ERROR"},
		{EventType(42), "UNKNOWN"},
	}
	for _, tc := range tests {
		if got := tc.typ.String(); got != tc.want {
			t.Fatalf("String(%d) = %q, want %q", tc.typ, got, tc.want)
		}
	}
}
