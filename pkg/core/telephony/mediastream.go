package telephony

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/pkg/core"
)

// MediaStream implements MediaConn over a Twilio Media Streams websocket.
// Twilio sends JSON frames (connected, start, media, mark, dtmf, stop) with
// base64 mu-law payloads at 8 kHz; outbound audio uses the same framing and
// each Play is followed by a mark frame that Twilio echoes back once the
// audio before it has been played.
type MediaStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	callSID   string
	streamSID string

	audio  chan []byte
	events chan Event
	done   chan struct{}
	closed atomic.Bool
}

var _ MediaConn = (*MediaStream)(nil)

var mediaUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Accept upgrades an incoming HTTP request to a media stream and starts
// reading frames.
func Accept(w http.ResponseWriter, r *http.Request) (*MediaStream, error) {
	conn, err := mediaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, core.NewConnectionError("telephony", err)
	}
	return NewMediaStream(conn), nil
}

// NewMediaStream wraps an established websocket connection.
func NewMediaStream(conn *websocket.Conn) *MediaStream {
	m := &MediaStream{
		conn:   conn,
		audio:  make(chan []byte, 200),
		events: make(chan Event, 50),
		done:   make(chan struct{}),
	}
	go m.readLoop()
	return m
}

type streamFrame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	Mark      *markFrame  `json:"mark,omitempty"`
	DTMF      *dtmfFrame  `json:"dtmf,omitempty"`
}

type startFrame struct {
	StreamSID    string            `json:"streamSid"`
	CallSID      string            `json:"callSid"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFrame struct {
	Payload string `json:"payload"` // base64 mu-law audio
}

type markFrame struct {
	Name string `json:"name"`
}

type dtmfFrame struct {
	Digit string `json:"digit"`
}

func (m *MediaStream) readLoop() {
	defer func() {
		close(m.audio)
		close(m.events)
	}()

	for {
		select {
		case <-m.done:
			return
		default:
		}

		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if !m.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.emit(Event{Type: EventError, CallID: m.CallID(), Err: core.NewConnectionError("telephony", err)})
			}
			m.emit(Event{Type: EventHangup, CallID: m.CallID()})
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Event {
		case "start":
			if frame.Start == nil {
				continue
			}
			m.mu.Lock()
			m.streamSID = frame.Start.StreamSID
			m.callSID = frame.Start.CallSID
			m.mu.Unlock()
			m.emit(Event{Type: EventAnswered, CallID: frame.Start.CallSID})

		case "media":
			if frame.Media == nil || frame.Media.Payload == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				continue
			}
			select {
			case m.audio <- audio:
			case <-m.done:
				return
			default:
				// Inbound buffer full; dropping is better than stalling
				// the read loop and backing up the socket.
			}

		case "mark":
			if frame.Mark == nil {
				continue
			}
			m.emit(Event{Type: EventPlaybackEnded, CallID: m.CallID(), MarkID: frame.Mark.Name})

		case "dtmf":
			if frame.DTMF == nil {
				continue
			}
			m.emit(Event{Type: EventDTMF, CallID: m.CallID(), Digit: frame.DTMF.Digit})

		case "stop":
			m.emit(Event{Type: EventHangup, CallID: m.CallID()})
			return
		}
	}
}

func (m *MediaStream) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// CallID returns the call SID from the start frame.
func (m *MediaStream) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callSID
}

// Audio returns the inbound caller audio stream.
func (m *MediaStream) Audio() <-chan []byte {
	return m.audio
}

// Events returns the lifecycle event stream.
func (m *MediaStream) Events() <-chan Event {
	return m.events
}

// Play queues an audio chunk followed by its acknowledgement mark.
func (m *MediaStream) Play(chunk []byte, markID string) error {
	m.mu.Lock()
	streamSID := m.streamSID
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	media := map[string]any{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(chunk),
		},
	}
	if err := m.conn.WriteJSON(media); err != nil {
		return core.NewConnectionError("telephony", err)
	}

	mark := map[string]any{
		"event":     "mark",
		"streamSid": streamSID,
		"mark":      map[string]string{"name": markID},
	}
	if err := m.conn.WriteJSON(mark); err != nil {
		return core.NewConnectionError("telephony", err)
	}
	return nil
}

// Clear discards all queued, unplayed audio on the carrier side.
func (m *MediaStream) Clear() error {
	m.mu.Lock()
	streamSID := m.streamSID
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	msg := map[string]any{
		"event":     "clear",
		"streamSid": streamSID,
	}
	if err := m.conn.WriteJSON(msg); err != nil {
		return core.NewConnectionError("telephony", err)
	}
	return nil
}

// Hangup ends the call.
func (m *MediaStream) Hangup() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.done)

	m.writeMu.Lock()
	m.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()

	return m.conn.Close()
}
