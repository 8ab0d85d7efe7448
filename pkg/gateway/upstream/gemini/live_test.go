package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeLiveServer accepts one WS connection, acknowledges setup, and lets the
// test script server frames.
func fakeLiveServer(t *testing.T, handler func(conn *websocket.Conn, setup map[string]any)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		if err := conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
			return
		}
		if handler != nil {
			handler(conn, setup)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectLive_SendsSetupAndAwaitsAck(t *testing.T) {
	setupCh := make(chan map[string]any, 1)
	url := fakeLiveServer(t, func(conn *websocket.Conn, setup map[string]any) {
		setupCh <- setup
		// Keep the conn open until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := ConnectLive(context.Background(), LiveConfig{
		APIKey:    "k",
		BaseWSURL: url,
		Language:  "es",
	})
	if err != nil {
		t.Fatalf("ConnectLive: %v", err)
	}
	defer c.Close()

	var setup map[string]any
	select {
	case setup = <-setupCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("setup never arrived")
	}
	inner, ok := setup["setup"].(map[string]any)
	if !ok {
		t.Fatalf("setup frame shape: %v", setup)
	}
	if inner["model"] != defaultLiveModel {
		t.Fatalf("model=%v", inner["model"])
	}
	gen := inner["generationConfig"].(map[string]any)
	modalities := gen["responseModalities"].([]any)
	if len(modalities) != 1 || modalities[0] != "AUDIO" {
		t.Fatalf("responseModalities=%v", modalities)
	}
	if _, ok := inner["inputAudioTranscription"]; !ok {
		t.Fatalf("input transcription not requested")
	}
	if _, ok := inner["outputAudioTranscription"]; !ok {
		t.Fatalf("output transcription not requested")
	}
	sys := inner["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(sys, "Nova") {
		t.Fatalf("system instruction: %q", sys)
	}
}

func TestConnectLive_MissingAckFails(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
	}))
	defer srv.Close()

	_, err := ConnectLive(context.Background(), LiveConfig{
		APIKey:           "k",
		BaseWSURL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		HandshakeTimeout: time.Second,
	})
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if !strings.Contains(err.Error(), "setupComplete") {
		t.Fatalf("err=%v", err)
	}
}

func TestConnectLive_RequiresAPIKey(t *testing.T) {
	if _, err := ConnectLive(context.Background(), LiveConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestLiveConn_SendAudioShape(t *testing.T) {
	frames := make(chan map[string]any, 1)
	url := fakeLiveServer(t, func(conn *websocket.Conn, _ map[string]any) {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		frames <- frame
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := ConnectLive(context.Background(), LiveConfig{APIKey: "k", BaseWSURL: url})
	if err != nil {
		t.Fatalf("ConnectLive: %v", err)
	}
	defer c.Close()

	pcm := []byte{1, 2, 3, 4}
	if err := c.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	var frame map[string]any
	select {
	case frame = <-frames:
	case <-time.After(2 * time.Second):
		t.Fatalf("audio frame never arrived")
	}
	audio := frame["realtimeInput"].(map[string]any)["audio"].(map[string]any)
	if audio["mimeType"] != inputAudioMIME {
		t.Fatalf("mimeType=%v", audio["mimeType"])
	}
	decoded, err := base64.StdEncoding.DecodeString(audio["data"].(string))
	if err != nil || string(decoded) != string(pcm) {
		t.Fatalf("data=%v err=%v", audio["data"], err)
	}
}

func TestLiveConn_DecodesServerContent(t *testing.T) {
	audioB64 := base64.StdEncoding.EncodeToString([]byte{9, 9, 9, 9})
	url := fakeLiveServer(t, func(conn *websocket.Conn, _ map[string]any) {
		msgs := []string{
			`{"serverContent":{"inputTranscription":{"text":"hola "}}}`,
			`{"serverContent":{"outputTranscription":{"text":"buenos"},"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"` + audioB64 + `"}}]}}}`,
			`{"serverContent":{"interrupted":true}}`,
			`{"serverContent":{"turnComplete":true}}`,
			`{"usageMetadata":{"totalTokenCount":5}}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := ConnectLive(context.Background(), LiveConfig{APIKey: "k", BaseWSURL: url})
	if err != nil {
		t.Fatalf("ConnectLive: %v", err)
	}
	defer c.Close()

	read := func() LiveEvent {
		select {
		case ev := <-c.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatalf("event never arrived")
			return LiveEvent{}
		}
	}

	if ev := read(); ev.InputText != "hola " {
		t.Fatalf("ev=%+v, want input text", ev)
	}
	ev := read()
	if ev.OutputText != "buenos" || len(ev.Audio) != 4 {
		t.Fatalf("ev=%+v, want output text and audio", ev)
	}
	if ev := read(); !ev.Interrupted {
		t.Fatalf("ev=%+v, want interrupted", ev)
	}
	if ev := read(); !ev.TurnComplete {
		t.Fatalf("ev=%+v, want turn complete", ev)
	}
	// The usage frame carries nothing the session cares about and is skipped.
}

func TestLiveConn_CloseIsIdempotentAndQuiet(t *testing.T) {
	url := fakeLiveServer(t, func(conn *websocket.Conn, _ map[string]any) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := ConnectLive(context.Background(), LiveConfig{APIKey: "k", BaseWSURL: url})
	if err != nil {
		t.Fatalf("ConnectLive: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// A local close ends the event stream without a terminal error event.
	select {
	case ev, ok := <-c.Events():
		if ok && ev.Err != nil {
			t.Fatalf("unexpected error event after local close: %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel never closed")
	}

	if err := c.SendAudio([]byte{1, 2}); err == nil {
		t.Fatalf("expected SendAudio to fail after close")
	}
}

func TestLiveConn_RemoteDropSurfacesError(t *testing.T) {
	url := fakeLiveServer(t, func(conn *websocket.Conn, _ map[string]any) {
		// Drop without a close frame.
		_ = conn.Close()
	})

	c, err := ConnectLive(context.Background(), LiveConfig{APIKey: "k", BaseWSURL: url})
	if err != nil {
		t.Fatalf("ConnectLive: %v", err)
	}
	defer c.Close()

	select {
	case ev := <-c.Events():
		if ev.Err == nil {
			t.Fatalf("ev=%+v, want terminal error", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("terminal error never arrived")
	}
}

func TestServerMessage_IgnoresMalformedJSON(t *testing.T) {
	var msg serverMessage
	if err := json.Unmarshal([]byte(`{"serverContent":{"turnComplete":true}}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.ServerContent == nil || !msg.ServerContent.TurnComplete {
		t.Fatalf("msg=%+v", msg)
	}
}
