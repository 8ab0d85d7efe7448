package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cabohealth/nova/pkg/gateway/live/checkpoint"
	"github.com/cabohealth/nova/pkg/gateway/live/protocol"
	"github.com/cabohealth/nova/pkg/gateway/live/state"
	"github.com/cabohealth/nova/pkg/gateway/live/transcript"
	"github.com/cabohealth/nova/pkg/gateway/upstream/gemini"
)

type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan gemini.LiveEvent
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan gemini.LiveEvent, 16)}
}

func (f *fakeStream) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeStream) Events() <-chan gemini.LiveEvent { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStream) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	stream *fakeStream
	err    error
	lang   string
	calls  int
}

func (d *fakeDialer) DialLive(ctx context.Context, language string) (ModelStream, error) {
	d.calls++
	d.lang = language
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

type fakeSummarizer struct {
	html  string
	err   error
	calls int
	text  string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, transcriptText, language string) (string, error) {
	f.calls++
	f.text = transcriptText
	if f.err != nil {
		return "", f.err
	}
	return f.html, nil
}

type memCheckpointStore struct {
	mu      sync.Mutex
	rows    map[string]checkpoint.Checkpoint
	deletes int
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{rows: make(map[string]checkpoint.Checkpoint)}
}

func (s *memCheckpointStore) key(ownerID, sessionID string) string { return ownerID + "/" + sessionID }

func (s *memCheckpointStore) Upsert(ctx context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[s.key(cp.OwnerID, cp.SessionID)] = cp
	return nil
}

func (s *memCheckpointStore) Get(ctx context.Context, ownerID, sessionID string) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.rows[s.key(ownerID, sessionID)]
	if !ok {
		return checkpoint.Checkpoint{}, errors.New("checkpoint not found")
	}
	return cp, nil
}

func (s *memCheckpointStore) ListByOwner(ctx context.Context, ownerID string) ([]checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []checkpoint.Checkpoint
	for _, cp := range s.rows {
		if cp.OwnerID == ownerID {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *memCheckpointStore) Delete(ctx context.Context, ownerID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, s.key(ownerID, sessionID))
	s.deletes++
	return nil
}

func (s *memCheckpointStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeAudioStore struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func (f *fakeAudioStore) SaveFragment(ctx context.Context, sessionID, entryID string, role transcript.Role, pcm []byte, sampleRateHz int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[entryID] = append([]byte(nil), pcm...)
	return fmt.Sprintf("https://audio.test/%s/%s.wav", sessionID, entryID), nil
}

type testHarness struct {
	s      *LiveSession
	client *websocket.Conn
	dialer *fakeDialer
	summ   *fakeSummarizer
	store  *memCheckpointStore
	audio  *fakeAudioStore
}

func newTestHarness(t *testing.T, mutate func(*Dependencies)) *testHarness {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverConn := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	var conn *websocket.Conn
	select {
	case conn = <-serverConn:
	case <-time.After(2 * time.Second):
		t.Fatalf("server side of conn never arrived")
	}
	t.Cleanup(func() { _ = conn.Close() })

	h := &testHarness{
		client: client,
		dialer: &fakeDialer{stream: newFakeStream()},
		summ:   &fakeSummarizer{html: "<h2>Resumen</h2>"},
		store:  newMemCheckpointStore(),
		audio:  &fakeAudioStore{},
	}

	deps := Dependencies{
		Conn:        conn,
		Dialer:      h.dialer,
		Summarizer:  h.summ,
		Audio:       h.audio,
		Checkpoints: checkpoint.NewManager(h.store, nil, 1),
		OwnerID:     "dr-a",
		RequestID:   "req-1",
	}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	return h
}

func (h *testHarness) readFrame(t *testing.T) map[string]any {
	t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := h.client.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return m
}

func (h *testHarness) expectFrame(t *testing.T, frameType string) map[string]any {
	t.Helper()
	m := h.readFrame(t)
	if m["type"] != frameType {
		t.Fatalf("frame type=%v, want %s (frame=%v)", m["type"], frameType, m)
	}
	return m
}

func (h *testHarness) expectNoFrame(t *testing.T) {
	t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := h.client.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func (h *testHarness) start(t *testing.T, name, language string) {
	t.Helper()
	h.s.handleStart(protocol.SessionStart{Type: protocol.TypeSessionStart, PatientName: name, Language: language})
	if st := h.expectFrame(t, protocol.TypeSessionState); st["state"] != string(state.Connecting) {
		t.Fatalf("state=%v, want connecting", st["state"])
	}
	if st := h.expectFrame(t, protocol.TypeSessionState); st["state"] != string(state.Listening) {
		t.Fatalf("state=%v, want listening", st["state"])
	}
}

func TestLiveSession_StartTransitionsToListening(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	if h.s.machine.Current() != state.Listening {
		t.Fatalf("state=%s, want listening", h.s.machine.Current())
	}
	if h.dialer.calls != 1 || h.dialer.lang != "es" {
		t.Fatalf("dialer calls=%d lang=%q", h.dialer.calls, h.dialer.lang)
	}
	if h.s.sessionID == "" {
		t.Fatalf("expected a session id")
	}
}

func TestLiveSession_StartWhileListening_IsRejected(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleStart(protocol.SessionStart{Type: protocol.TypeSessionStart, PatientName: "Otro", Language: "es"})
	frame := h.expectFrame(t, protocol.TypeError)
	if frame["code"] != "invalid_state" {
		t.Fatalf("code=%v, want invalid_state", frame["code"])
	}
	if h.dialer.calls != 1 {
		t.Fatalf("dialer calls=%d, want 1", h.dialer.calls)
	}
}

func TestLiveSession_DialFailure_SurfacesError(t *testing.T) {
	h := newTestHarness(t, func(d *Dependencies) {})
	h.dialer.err = errors.New("upstream down")

	h.s.handleStart(protocol.SessionStart{Type: protocol.TypeSessionStart, PatientName: "María", Language: "es"})
	h.expectFrame(t, protocol.TypeSessionState) // connecting
	if st := h.expectFrame(t, protocol.TypeSessionState); st["state"] != string(state.Errored) {
		t.Fatalf("state=%v, want errored", st["state"])
	}
	frame := h.expectFrame(t, protocol.TypeError)
	if frame["code"] != "connection_failed" {
		t.Fatalf("code=%v, want connection_failed", frame["code"])
	}
}

func TestLiveSession_EndWhenIdle_IsNoOp(t *testing.T) {
	h := newTestHarness(t, nil)

	h.s.handleEnd()
	if h.s.machine.Current() != state.Idle {
		t.Fatalf("state=%s, want idle", h.s.machine.Current())
	}
	if h.summ.calls != 0 {
		t.Fatalf("summarizer calls=%d, want 0", h.summ.calls)
	}
	h.expectNoFrame(t)
}

func TestLiveSession_TurnBoundary_PatientBeforeAssistant(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleModelEvent(gemini.LiveEvent{InputText: "hola"})
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.s.handleModelEvent(gemini.LiveEvent{OutputText: "buenos días"})
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.s.handleModelEvent(gemini.LiveEvent{TurnComplete: true})

	first := h.expectFrame(t, protocol.TypeTranscriptEntry)
	entry := first["entry"].(map[string]any)
	if entry["role"] != string(transcript.RolePatient) || entry["text"] != "hola" {
		t.Fatalf("first entry=%v, want patient hola", entry)
	}
	second := h.expectFrame(t, protocol.TypeTranscriptEntry)
	entry = second["entry"].(map[string]any)
	if entry["role"] != string(transcript.RoleAssistant) || entry["text"] != "buenos días" {
		t.Fatalf("second entry=%v, want assistant", entry)
	}
	if len(h.s.entries) != 2 {
		t.Fatalf("entries=%d, want 2", len(h.s.entries))
	}
}

func TestLiveSession_EmptyTurn_ProducesNoEntries(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleModelEvent(gemini.LiveEvent{InputText: "   "})
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.s.handleModelEvent(gemini.LiveEvent{TurnComplete: true})

	if len(h.s.entries) != 0 {
		t.Fatalf("entries=%d, want 0", len(h.s.entries))
	}
}

func TestLiveSession_ShortTranscript_PlaceholderWithoutModelCall(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleModelEvent(gemini.LiveEvent{InputText: "hola"})
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.s.handleModelEvent(gemini.LiveEvent{TurnComplete: true})
	h.expectFrame(t, protocol.TypeTranscriptEntry)
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.expectFrame(t, protocol.TypePartialTranscript)

	h.s.handleEnd()
	h.expectFrame(t, protocol.TypeSessionState) // processing
	h.expectFrame(t, protocol.TypeAudioInterrupted)
	summary := h.expectFrame(t, protocol.TypeSummary)
	if summary["placeholder"] != true {
		t.Fatalf("placeholder=%v, want true", summary["placeholder"])
	}
	if st := h.expectFrame(t, protocol.TypeSessionState); st["state"] != string(state.Completed) {
		t.Fatalf("state=%v, want completed", st["state"])
	}
	if h.summ.calls != 0 {
		t.Fatalf("summarizer calls=%d, want 0", h.summ.calls)
	}
	if h.store.count() != 0 {
		t.Fatalf("checkpoints remaining=%d, want 0", h.store.count())
	}
}

func TestLiveSession_EndGeneratesSummaryAndClearsCheckpoint(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleModelEvent(gemini.LiveEvent{InputText: "me duele la cabeza desde hace tres días y no puedo dormir bien"})
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.s.handleModelEvent(gemini.LiveEvent{TurnComplete: true})
	h.expectFrame(t, protocol.TypeTranscriptEntry)
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.expectFrame(t, protocol.TypePartialTranscript)

	if h.store.count() != 1 {
		t.Fatalf("checkpoints=%d, want 1 after turn boundary", h.store.count())
	}

	h.s.handleEnd()
	h.expectFrame(t, protocol.TypeSessionState)
	h.expectFrame(t, protocol.TypeAudioInterrupted)
	summary := h.expectFrame(t, protocol.TypeSummary)
	if summary["placeholder"] == true {
		t.Fatalf("expected a real summary")
	}
	if !strings.Contains(summary["html"].(string), "Resumen") {
		t.Fatalf("html=%v", summary["html"])
	}
	if st := h.expectFrame(t, protocol.TypeSessionState); st["state"] != string(state.Completed) {
		t.Fatalf("state=%v, want completed", st["state"])
	}
	if h.summ.calls != 1 {
		t.Fatalf("summarizer calls=%d, want 1", h.summ.calls)
	}
	if !strings.Contains(h.summ.text, "Tú: me duele la cabeza") {
		t.Fatalf("composed text=%q", h.summ.text)
	}
	if h.store.count() != 0 {
		t.Fatalf("checkpoints remaining=%d, want 0", h.store.count())
	}
	if !h.dialer.stream.wasClosed() {
		t.Fatalf("expected model stream closed")
	}
}

func TestLiveSession_SummaryFailure_ErrorsAndKeepsCheckpoint(t *testing.T) {
	h := newTestHarness(t, nil)
	h.summ.err = errors.New("model unavailable")
	h.start(t, "María", "es")

	h.s.handleModelEvent(gemini.LiveEvent{InputText: "me duele la cabeza desde hace tres días y no puedo dormir bien"})
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.s.handleModelEvent(gemini.LiveEvent{TurnComplete: true})
	h.expectFrame(t, protocol.TypeTranscriptEntry)
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.expectFrame(t, protocol.TypePartialTranscript)

	h.s.handleEnd()
	h.expectFrame(t, protocol.TypeSessionState)
	h.expectFrame(t, protocol.TypeAudioInterrupted)
	if st := h.expectFrame(t, protocol.TypeSessionState); st["state"] != string(state.Errored) {
		t.Fatalf("state=%v, want errored", st["state"])
	}
	frame := h.expectFrame(t, protocol.TypeError)
	if frame["code"] != "summary_failed" {
		t.Fatalf("code=%v, want summary_failed", frame["code"])
	}
	if h.store.count() != 1 {
		t.Fatalf("checkpoints=%d, want 1 (kept for recovery)", h.store.count())
	}
}

func TestLiveSession_SecondEndRequest_IsNoOp(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleEnd()
	h.expectFrame(t, protocol.TypeSessionState)
	h.expectFrame(t, protocol.TypeAudioInterrupted)
	h.expectFrame(t, protocol.TypeSummary)
	h.expectFrame(t, protocol.TypeSessionState)

	h.s.handleEnd()
	h.expectNoFrame(t)
}

func TestLiveSession_StreamFailure_KeepsPendingPartials(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleModelEvent(gemini.LiveEvent{InputText: "me duele"})
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.s.handleModelEvent(gemini.LiveEvent{Err: errors.New("ws torn")})

	if h.s.machine.Current() != state.Errored {
		t.Fatalf("state=%s, want errored", h.s.machine.Current())
	}
	if got := h.s.pending.Text(transcript.RolePatient); got != "me duele" {
		t.Fatalf("pending=%q, want preserved", got)
	}
	if len(h.s.entries) != 0 {
		t.Fatalf("entries=%d, want 0 (no fabricated finalization)", len(h.s.entries))
	}
}

func TestLiveSession_AudioFrames_DroppedOutsideListening(t *testing.T) {
	h := newTestHarness(t, nil)

	h.s.handleAudioFrame([]byte{1, 2, 3, 4})
	if len(h.dialer.stream.sent) != 0 {
		t.Fatalf("sent=%d, want 0 while idle", len(h.dialer.stream.sent))
	}

	h.start(t, "María", "es")
	h.s.handleAudioFrame([]byte{1, 2, 3, 4})
	if len(h.dialer.stream.sent) != 1 {
		t.Fatalf("sent=%d, want 1 while listening", len(h.dialer.stream.sent))
	}
}

func TestLiveSession_Interrupted_ResetsPlaybackAndNotifies(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleModelEvent(gemini.LiveEvent{Audio: make([]byte, 48000)}) // 1s at 24kHz
	chunk := h.expectFrame(t, protocol.TypeAudioChunk)
	if chunk["duration_ms"].(float64) != 1000 {
		t.Fatalf("duration_ms=%v, want 1000", chunk["duration_ms"])
	}

	h.s.handleModelEvent(gemini.LiveEvent{Interrupted: true})
	h.expectFrame(t, protocol.TypeAudioInterrupted)
}

func TestLiveSession_UploadEnrichment_OneShot(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleAudioFrame([]byte{1, 2, 3, 4})
	h.s.handleModelEvent(gemini.LiveEvent{InputText: "hola"})
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.s.handleModelEvent(gemini.LiveEvent{TurnComplete: true})
	h.expectFrame(t, protocol.TypeTranscriptEntry)
	h.expectFrame(t, protocol.TypePartialTranscript)
	h.expectFrame(t, protocol.TypePartialTranscript)

	var up uploadResult
	select {
	case up = <-h.s.uploads:
	case <-time.After(2 * time.Second):
		t.Fatalf("upload result never arrived")
	}
	if up.err != nil {
		t.Fatalf("upload err: %v", up.err)
	}

	h.s.handleUploadDone(up)
	frame := h.expectFrame(t, protocol.TypeEntryAudio)
	if frame["audio_url"] == "" {
		t.Fatalf("missing audio_url")
	}
	if h.s.entries[0].AudioURL == "" {
		t.Fatalf("entry not enriched")
	}

	// Enrichment is one-shot: a duplicate result produces no second frame.
	h.s.handleUploadDone(up)
	h.expectNoFrame(t)
}

func TestLiveSession_ResumeRestoresTranscriptAtIdle(t *testing.T) {
	h := newTestHarness(t, nil)

	cp := checkpoint.Checkpoint{
		OwnerID:     "dr-a",
		SessionID:   "session_1_abc",
		PatientName: "María",
		Language:    "es",
		State:       state.Listening,
		Transcript: []transcript.Entry{
			{ID: "e1", Role: transcript.RolePatient, Text: "hola", Language: "es"},
		},
		PendingPatient: "y tambi",
		SessionStart:   time.Now().Add(-10 * time.Minute),
		CheckpointTime: time.Now().Add(-5 * time.Minute),
		MessageCount:   1,
	}
	if err := h.store.Upsert(context.Background(), cp); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h.s.handleResume(protocol.SessionResume{Type: protocol.TypeSessionResume, SessionID: "session_1_abc"})

	if st := h.expectFrame(t, protocol.TypeSessionState); st["state"] != string(state.Idle) {
		t.Fatalf("state=%v, want idle", st["state"])
	}
	entryFrame := h.expectFrame(t, protocol.TypeTranscriptEntry)
	if entryFrame["entry"].(map[string]any)["id"] != "e1" {
		t.Fatalf("entry=%v", entryFrame["entry"])
	}
	partial := h.expectFrame(t, protocol.TypePartialTranscript)
	if partial["text"] != "y tambi" {
		t.Fatalf("partial=%v", partial)
	}
	if h.s.machine.Current() != state.Idle {
		t.Fatalf("state=%s, want idle", h.s.machine.Current())
	}
	if h.s.sessionID != "session_1_abc" || h.s.language != "es" {
		t.Fatalf("identity not restored: %q %q", h.s.sessionID, h.s.language)
	}
}

func TestLiveSession_ResumeUnknownSession_DroppedSafely(t *testing.T) {
	h := newTestHarness(t, nil)

	h.s.handleResume(protocol.SessionResume{Type: protocol.TypeSessionResume, SessionID: "missing"})
	frame := h.expectFrame(t, protocol.TypeError)
	if frame["code"] != "recovery_failed" {
		t.Fatalf("code=%v, want recovery_failed", frame["code"])
	}
	if h.s.machine.Current() != state.Idle {
		t.Fatalf("state=%s, want idle", h.s.machine.Current())
	}
}

func TestLiveSession_SessionNew_ReturnsToIdle(t *testing.T) {
	h := newTestHarness(t, nil)
	h.start(t, "María", "es")

	h.s.handleNew()
	if st := h.expectFrame(t, protocol.TypeSessionState); st["state"] != string(state.Idle) {
		t.Fatalf("state=%v, want idle", st["state"])
	}
	if !h.dialer.stream.wasClosed() {
		t.Fatalf("expected stream closed")
	}
	if h.s.sessionID != "" || len(h.s.entries) != 0 {
		t.Fatalf("session not reset: %q entries=%d", h.s.sessionID, len(h.s.entries))
	}
}
