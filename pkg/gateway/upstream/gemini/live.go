// Package gemini implements the realtime model collaborator: a bidirectional
// live audio stream over WebSocket plus a one-shot summary generation call.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultLiveWSBase = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultLiveModel  = "models/gemini-2.5-flash-native-audio-preview-09-2025"

	inputAudioMIME = "audio/pcm;rate=16000"
)

// LiveConfig configures one live stream.
type LiveConfig struct {
	APIKey           string
	Model            string
	BaseWSURL        string
	Language         string
	HandshakeTimeout time.Duration
}

// LiveEvent is one decoded server message. Exactly the fields present in the
// message are set; a single event may carry transcription text and audio.
type LiveEvent struct {
	InputText    string // incremental local-party transcription
	OutputText   string // incremental remote-party transcription
	Audio        []byte // pcm_s16le @24000Hz mono
	TurnComplete bool
	Interrupted  bool
	Err          error
}

// LiveConn is one open stream to the model. Close is idempotent; a second
// close attempt is tolerated per the collaborator contract.
type LiveConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	events    chan LiveEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// ConnectLive dials the live endpoint, sends the setup message, and blocks
// until the server acknowledges the stream (setupComplete) or the handshake
// times out.
func ConnectLive(ctx context.Context, cfg LiveConfig) (*LiveConn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	base := strings.TrimSpace(cfg.BaseWSURL)
	if base == "" {
		base = defaultLiveWSBase
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultLiveModel
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}

	header := http.Header{}
	header.Set("x-goog-api-key", cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, base, header)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}

	setup := map[string]any{
		"setup": map[string]any{
			"model": model,
			"generationConfig": map[string]any{
				"responseModalities": []string{"AUDIO"},
			},
			"systemInstruction": map[string]any{
				"parts": []map[string]any{{"text": systemInstruction(cfg.Language)}},
			},
			"inputAudioTranscription":  map[string]any{},
			"outputAudioTranscription": map[string]any{},
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handshake))
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, &Error{Op: "setup", Err: err}
	}
	_ = conn.SetWriteDeadline(time.Time{})

	// The first server frame must acknowledge setup before audio may flow.
	_ = conn.SetReadDeadline(time.Now().Add(handshake))
	var ack struct {
		SetupComplete *struct{} `json:"setupComplete"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, &Error{Op: "setup", Err: err}
	}
	if ack.SetupComplete == nil {
		_ = conn.Close()
		return nil, &Error{Op: "setup", Err: fmt.Errorf("missing setupComplete acknowledgment")}
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &LiveConn{
		conn:   conn,
		events: make(chan LiveEvent, 256),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SendAudio forwards one captured PCM frame. Frames are sent as produced;
// no back-pressure is applied.
func (c *LiveConn) SendAudio(pcm []byte) error {
	if c == nil {
		return fmt.Errorf("live connection is nil")
	}
	if len(pcm) == 0 {
		return nil
	}
	msg := map[string]any{
		"realtimeInput": map[string]any{
			"audio": map[string]any{
				"data":     base64.StdEncoding.EncodeToString(pcm),
				"mimeType": inputAudioMIME,
			},
		},
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return fmt.Errorf("live connection is closed")
	default:
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return &Error{Op: "send audio", Err: err}
	}
	return nil
}

// Events returns the decoded server message stream. The channel is closed
// when the connection ends; a terminal error arrives as the last event.
func (c *LiveConn) Events() <-chan LiveEvent {
	if c == nil {
		ch := make(chan LiveEvent)
		close(ch)
		return ch
	}
	return c.events
}

// Close tears the stream down. Safe to call more than once.
func (c *LiveConn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

type serverMessage struct {
	ServerContent *struct {
		ModelTurn *struct {
			Parts []struct {
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"modelTurn"`
		InputTranscription *struct {
			Text string `json:"text"`
		} `json:"inputTranscription"`
		OutputTranscription *struct {
			Text string `json:"text"`
		} `json:"outputTranscription"`
		TurnComplete bool `json:"turnComplete"`
		Interrupted  bool `json:"interrupted"`
	} `json:"serverContent"`
}

func (c *LiveConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Local close; not an error.
			default:
				c.events <- LiveEvent{Err: &Error{Op: "receive", Err: err}}
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.ServerContent == nil {
			continue
		}

		ev := LiveEvent{
			TurnComplete: msg.ServerContent.TurnComplete,
			Interrupted:  msg.ServerContent.Interrupted,
		}
		if t := msg.ServerContent.InputTranscription; t != nil {
			ev.InputText = t.Text
		}
		if t := msg.ServerContent.OutputTranscription; t != nil {
			ev.OutputText = t.Text
		}
		if mt := msg.ServerContent.ModelTurn; mt != nil {
			for _, part := range mt.Parts {
				if part.InlineData == nil || part.InlineData.Data == "" {
					continue
				}
				audio, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					continue
				}
				ev.Audio = append(ev.Audio, audio...)
			}
		}
		if ev.InputText == "" && ev.OutputText == "" && len(ev.Audio) == 0 && !ev.TurnComplete && !ev.Interrupted {
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}
