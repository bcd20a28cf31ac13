// Package stt provides streaming speech-to-text providers.
package stt

import (
	"context"
)

// EventType identifies a recognition event.
type EventType int

const (
	// EventPartial is an interim transcript that may still change.
	EventPartial EventType = iota
	// EventFinal is a finalized transcript segment. Multiple finals can
	// occur within a single user turn.
	EventFinal
	// EventEndOfTurn signals the provider detected the user stopped
	// speaking. Only this event completes a turn.
	EventEndOfTurn
)

// String returns a human-readable event type.
func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "PARTIAL"
	case EventFinal:
		return "FINAL"
	case EventEndOfTurn:
		return "END_OF_TURN"
	default:
		return "UNKNOWN"
	}
}

// Event is a single recognition event.
type Event struct {
	Type EventType
	Text string
}

// StreamConfig configures a streaming recognition session.
type StreamConfig struct {
	SampleRate      int      // Audio sample rate in Hz
	Encoding        string   // Audio encoding, e.g. "linear16", "mulaw"
	Channels        int      // Channel count, 1 for telephony
	Language        string   // ISO language code
	Keywords        []string // Optional vocabulary hints
	EndpointDetect  bool     // Enable provider-side end-of-turn detection
	EndpointSilence int      // Silence in ms that closes a turn (provider default if 0)
}

// Recognizer is a live streaming recognition session.
type Recognizer interface {
	// SendAudio forwards raw audio to the provider.
	SendAudio(data []byte) error

	// Events returns the channel of recognition events. The channel is
	// closed when the session ends; Err reports why.
	Events() <-chan Event

	// Err returns the terminal error, if any, after Events is closed.
	Err() error

	// Close tears down the session.
	Close() error
}

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// OpenStream establishes a streaming recognition session.
	OpenStream(ctx context.Context, cfg StreamConfig) (Recognizer, error)
}
