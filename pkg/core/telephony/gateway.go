// Package telephony is the media boundary: bidirectional call audio,
// playback commands with acknowledgement marks, and call lifecycle events.
package telephony

// EventType identifies a call lifecycle event.
type EventType int

const (
	// EventAnswered fires when the media channel is established and
	// carries the call id.
	EventAnswered EventType = iota
	// EventPlaybackEnded acknowledges that the audio queued before the
	// named mark has finished playing to the caller.
	EventPlaybackEnded
	// EventDTMF carries a keypad digit pressed by the caller.
	EventDTMF
	// EventHangup fires when the caller or carrier ends the call.
	EventHangup
	// EventError carries a transport failure.
	EventError
)

// String returns a human-readable event type.
func (t EventType) String() string {
	switch t {
	case EventAnswered:
		return "ANSWERED"
	case EventPlaybackEnded:
		return "PLAYBACK_ENDED"
	case EventDTMF:
		return "DTMF"
	case EventHangup:
		return "HANGUP"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one lifecycle event from the media channel.
type Event struct {
	Type   EventType
	CallID string
	MarkID string // playback handle, set on EventPlaybackEnded
	Digit  string // set on EventDTMF
	Err    error  // set on EventError
}

// MediaConn is one call's bidirectional media channel. Inbound caller
// audio arrives on Audio; outbound audio is queued with Play and
// acknowledged per mark id via EventPlaybackEnded.
type MediaConn interface {
	// CallID returns the call identifier, available after EventAnswered.
	CallID() string

	// Audio returns the inbound caller audio stream. Closed on hangup.
	Audio() <-chan []byte

	// Play queues an audio chunk for playback followed by a mark. The
	// transport emits EventPlaybackEnded with markID once the chunk has
	// been played out.
	Play(chunk []byte, markID string) error

	// Clear discards all queued, unplayed audio immediately. Marks for
	// discarded audio are acknowledged by the transport as cleared.
	Clear() error

	// Events returns the lifecycle event stream. Closed after hangup.
	Events() <-chan Event

	// Hangup ends the call and releases the channel.
	Hangup() error
}
