// Package session runs one live interview over a client WebSocket: it owns
// the lifecycle state machine, relays microphone audio to the realtime model,
// assembles the transcript at turn boundaries, schedules model audio for
// playback, and produces the clinical summary when the interview ends.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cabohealth/nova/pkg/gateway/live/checkpoint"
	"github.com/cabohealth/nova/pkg/gateway/live/protocol"
	"github.com/cabohealth/nova/pkg/gateway/live/state"
	"github.com/cabohealth/nova/pkg/gateway/live/transcript"
	"github.com/cabohealth/nova/pkg/gateway/upstream/gemini"
)

// maxFragmentBytes caps how much raw pcm is held per role between turn
// boundaries for the fragment upload. Audio past the cap still reaches the
// model; it just is not archived.
const maxFragmentBytes = 8 << 20

// ModelStream is the live connection to the realtime model.
type ModelStream interface {
	SendAudio(pcm []byte) error
	Events() <-chan gemini.LiveEvent
	Close() error
}

// ModelDialer opens a ModelStream for one interview.
type ModelDialer interface {
	DialLive(ctx context.Context, language string) (ModelStream, error)
}

// Summarizer turns a composed transcript into summary HTML.
type Summarizer interface {
	Summarize(ctx context.Context, transcriptText, language string) (string, error)
}

// AudioStore archives per-utterance audio fragments and returns the stored
// object's URL.
type AudioStore interface {
	SaveFragment(ctx context.Context, sessionID, entryID string, role transcript.Role, pcm []byte, sampleRateHz int) (string, error)
}

type Config struct {
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	MaxSessionDuration     time.Duration
	StoreTimeout           time.Duration
	SummaryTimeout         time.Duration
	MinSummaryChars        int
}

type Dependencies struct {
	Conn        *websocket.Conn
	Logger      *slog.Logger
	Dialer      ModelDialer
	Summarizer  Summarizer
	Audio       AudioStore          // optional; nil disables fragment archiving
	Checkpoints *checkpoint.Manager // optional; nil disables recovery
	OwnerID     string
	RequestID   string
	Config      Config
	Now         func() time.Time
}

// LiveSession is single-goroutine at heart: Run owns every mutable field
// below and is the only writer. The read pump, keepalive, and fragment
// uploads run as goroutines but hand their results back through channels.
type LiveSession struct {
	conn        *websocket.Conn
	logger      *slog.Logger
	dialer      ModelDialer
	summarizer  Summarizer
	audio       AudioStore
	checkpoints *checkpoint.Manager
	ownerID     string
	requestID   string
	cfg         Config
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	machine     *state.Machine
	sessionID   string
	patientName string
	language    string
	startTime   time.Time

	entries        []transcript.Entry
	pending        transcript.Pending
	patientAudio   []byte
	assistantAudio []byte

	stream   ModelStream
	events   <-chan gemini.LiveEvent
	playback *playbackClock
	limiter  *inboundAudioLimiter
	uploads  chan uploadResult
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type uploadResult struct {
	entryID  string
	audioURL string
	err      error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("model dialer is required")
	}
	if deps.Summarizer == nil {
		return nil, fmt.Errorf("summarizer is required")
	}
	if strings.TrimSpace(deps.OwnerID) == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.MaxAudioFrameBytes <= 0 {
		deps.Config.MaxAudioFrameBytes = 64 << 10
	}
	if deps.Config.MaxJSONMessageBytes <= 0 {
		deps.Config.MaxJSONMessageBytes = 512 << 10
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 10 * time.Second
	}
	if deps.Config.StoreTimeout <= 0 {
		deps.Config.StoreTimeout = 5 * time.Second
	}
	if deps.Config.SummaryTimeout <= 0 {
		deps.Config.SummaryTimeout = 60 * time.Second
	}
	if deps.Config.MinSummaryChars <= 0 {
		deps.Config.MinSummaryChars = 50
	}
	if deps.Config.MaxSessionDuration <= 0 {
		deps.Config.MaxSessionDuration = 2 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:        deps.Conn,
		logger:      deps.Logger,
		dialer:      deps.Dialer,
		summarizer:  deps.Summarizer,
		audio:       deps.Audio,
		checkpoints: deps.Checkpoints,
		ownerID:     deps.OwnerID,
		requestID:   deps.RequestID,
		cfg:         deps.Config,
		now:         deps.Now,
		ctx:         ctx,
		cancel:      cancel,
		machine:     state.NewMachine(),
		playback:    newPlaybackClock(deps.Now),
		uploads:     make(chan uploadResult, 16),
	}
	return s, nil
}

// Cancel tears the session down from outside the run loop.
func (s *LiveSession) Cancel() {
	if s == nil {
		return
	}
	s.cancel()
}

// Warn delivers an advisory error frame without closing the session.
func (s *LiveSession) Warn(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendJSON(protocol.Error{Type: protocol.TypeError, Code: code, Message: message})
}

func (s *LiveSession) Run() error {
	defer s.cancel()
	defer s.teardownStream()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	s.limiter = newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	inbound := make(chan inboundFrame, 64)
	go s.readLoop(inbound)
	go s.keepalive()

	maxTimer := time.NewTimer(s.cfg.MaxSessionDuration)
	defer maxTimer.Stop()

	s.sendState()

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case <-maxTimer.C:
			s.logger.Warn("live session exceeded max duration",
				"request_id", s.requestID, "session_id", s.sessionID)
			s.handleEnd()
			_ = s.sendJSON(protocol.Error{
				Type: protocol.TypeError, Code: "session_timeout",
				Message: "maximum session duration reached", Close: true,
			})
			return nil

		case f := <-inbound:
			if f.err != nil {
				s.logger.Info("live client disconnected",
					"request_id", s.requestID, "session_id", s.sessionID,
					"state", string(s.machine.Current()), "error", f.err)
				return nil
			}
			s.handleClientFrame(f)

		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				s.handleStreamClosed()
				continue
			}
			s.handleModelEvent(ev)

		case up := <-s.uploads:
			s.handleUploadDone(up)
		}
	}
}

func (s *LiveSession) readLoop(ch chan<- inboundFrame) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case ch <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		select {
		case ch <- inboundFrame{messageType: mt, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) keepalive() {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *LiveSession) handleClientFrame(f inboundFrame) {
	switch f.messageType {
	case websocket.BinaryMessage:
		s.handleAudioFrame(f.data)
	case websocket.TextMessage:
		msg, err := protocol.DecodeClientMessage(f.data)
		if err != nil {
			var de *protocol.DecodeError
			code, detail := "bad_request", err.Error()
			if errors.As(err, &de) {
				code, detail = de.Code, de.Message
			}
			_ = s.sendJSON(protocol.Error{Type: protocol.TypeError, Code: code, Message: detail})
			return
		}
		switch m := msg.(type) {
		case protocol.SessionStart:
			s.handleStart(m)
		case protocol.SessionResume:
			s.handleResume(m)
		case protocol.SessionEnd:
			s.handleEnd()
		case protocol.SessionNew:
			s.handleNew()
		case protocol.StartFailed:
			s.handleStartFailed(m)
		}
	}
}

// handleAudioFrame relays one microphone frame. Frames outside the listening
// state are dropped without comment: the client keeps streaming for a moment
// after an end request, and that tail is noise.
func (s *LiveSession) handleAudioFrame(pcm []byte) {
	if s.machine.Current() != state.Listening || s.stream == nil {
		return
	}
	if len(pcm) == 0 || len(pcm) > s.cfg.MaxAudioFrameBytes {
		return
	}
	if !s.limiter.Allow(len(pcm)) {
		return
	}
	if len(s.patientAudio) < maxFragmentBytes {
		s.patientAudio = append(s.patientAudio, pcm...)
	}
	if err := s.stream.SendAudio(pcm); err != nil {
		s.logger.Debug("mic frame forward failed",
			"request_id", s.requestID, "session_id", s.sessionID, "error", err)
	}
}

func (s *LiveSession) handleStart(msg protocol.SessionStart) {
	if !s.machine.TryTransition(state.Connecting) {
		_ = s.sendJSON(protocol.Error{
			Type: protocol.TypeError, Code: "invalid_state",
			Message: fmt.Sprintf("cannot start from state %q", s.machine.Current()),
		})
		return
	}

	s.resetInterview()
	s.sessionID = newSessionID(s.now())
	s.patientName = msg.PatientName
	s.language = msg.Language
	s.startTime = s.now()
	s.sendState()

	stream, err := s.dialer.DialLive(s.ctx, s.language)
	if err != nil {
		s.logger.Error("realtime model dial failed",
			"request_id", s.requestID, "session_id", s.sessionID, "error", err)
		s.machine.TryTransition(state.Errored)
		s.sendState()
		_ = s.sendJSON(protocol.Error{
			Type: protocol.TypeError, Code: "connection_failed",
			Message: "could not reach the realtime model",
		})
		return
	}

	s.stream = stream
	s.events = stream.Events()
	s.playback.Reset()
	s.machine.TryTransition(state.Listening)
	s.sendState()
	s.logger.Info("interview started",
		"request_id", s.requestID, "session_id", s.sessionID, "language", s.language)
}

func (s *LiveSession) handleResume(msg protocol.SessionResume) {
	switch s.machine.Current() {
	case state.Idle, state.Completed, state.Errored:
	default:
		_ = s.sendJSON(protocol.Error{
			Type: protocol.TypeError, Code: "invalid_state",
			Message: "cannot resume while a session is active",
		})
		return
	}
	if s.checkpoints == nil {
		_ = s.sendJSON(protocol.Error{
			Type: protocol.TypeError, Code: "recovery_failed",
			Message: "session recovery is not available",
		})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.StoreTimeout)
	cp, err := s.checkpoints.Load(ctx, s.ownerID, msg.SessionID)
	cancel()
	if err != nil {
		s.logger.Warn("checkpoint restore failed",
			"request_id", s.requestID, "session_id", msg.SessionID, "error", err)
		_ = s.sendJSON(protocol.Error{
			Type: protocol.TypeError, Code: "recovery_failed",
			Message: "the saved session could not be restored",
		})
		return
	}

	s.resetInterview()
	s.machine.Reset()
	s.sessionID = cp.SessionID
	s.patientName = cp.PatientName
	s.language = cp.Language
	s.startTime = cp.SessionStart
	s.entries = append(s.entries, cp.Transcript...)
	s.pending.Restore(cp.PendingPatient, cp.PendingAssistant)
	s.checkpoints.Reset(cp.MessageCount)

	// Replay the restored view. The session stays idle; capture does not
	// resume until the clinician starts it.
	s.sendState()
	for _, e := range s.entries {
		_ = s.sendJSON(protocol.TranscriptEntry{Type: protocol.TypeTranscriptEntry, Entry: e})
	}
	for _, role := range []transcript.Role{transcript.RolePatient, transcript.RoleAssistant} {
		if text := s.pending.Text(role); text != "" {
			_ = s.sendJSON(protocol.PartialTranscript{Type: protocol.TypePartialTranscript, Role: role, Text: text})
		}
	}
	s.logger.Info("interview restored from checkpoint",
		"request_id", s.requestID, "session_id", s.sessionID, "entries", len(s.entries))
}

// handleEnd drives the termination sequence. The transition into processing
// is the re-entry latch: a second end request, or the stream-close fallout of
// the teardown below, lands on a non-listening state and becomes a no-op.
func (s *LiveSession) handleEnd() {
	if !s.machine.TryTransition(state.Processing) {
		s.logger.Debug("end request ignored",
			"request_id", s.requestID, "session_id", s.sessionID,
			"state", string(s.machine.Current()))
		return
	}
	s.sendState()

	s.teardownStream()
	s.playback.Interrupt()
	_ = s.sendJSON(protocol.AudioInterrupted{Type: protocol.TypeAudioInterrupted})
	s.finalizeTurn()

	text := transcript.Compose(s.entries, s.language)
	if utf8.RuneCountInString(strings.TrimSpace(text)) < s.cfg.MinSummaryChars {
		s.deliverSummary(placeholderSummary(s.language), true)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SummaryTimeout)
	html, err := s.summarizer.Summarize(ctx, text, s.language)
	cancel()
	if err != nil {
		s.logger.Error("summary generation failed",
			"request_id", s.requestID, "session_id", s.sessionID, "error", err)
		s.machine.TryTransition(state.Errored)
		s.sendState()
		_ = s.sendJSON(protocol.Error{
			Type: protocol.TypeError, Code: "summary_failed",
			Message: "the summary could not be generated",
		})
		return
	}
	s.deliverSummary(sanitizeSummaryHTML(html), false)
}

// deliverSummary completes the session. The checkpoint is cleared on every
// arrival here, including the placeholder path.
func (s *LiveSession) deliverSummary(html string, placeholder bool) {
	_ = s.sendJSON(protocol.Summary{Type: protocol.TypeSummary, HTML: html, Placeholder: placeholder})
	s.machine.TryTransition(state.Completed)
	s.sendState()
	s.clearCheckpoint()
	s.logger.Info("interview completed",
		"request_id", s.requestID, "session_id", s.sessionID,
		"entries", len(s.entries), "placeholder", placeholder)
}

func (s *LiveSession) handleNew() {
	s.teardownStream()
	s.playback.Interrupt()
	s.resetInterview()
	s.sessionID = ""
	s.machine.Reset()
	s.sendState()
}

func (s *LiveSession) handleStartFailed(msg protocol.StartFailed) {
	if !s.machine.TryTransition(state.Errored) {
		return
	}
	s.teardownStream()
	s.sendState()
	_ = s.sendJSON(protocol.Error{
		Type: protocol.TypeError, Code: startFailCode(msg.Cause),
		Message: "audio capture could not start",
	})
}

func startFailCode(cause string) string {
	switch cause {
	case protocol.StartFailPermissionDenied:
		return "microphone_permission_denied"
	case protocol.StartFailDeviceNotFound:
		return "microphone_not_found"
	case protocol.StartFailInsecureContext:
		return "insecure_context"
	default:
		return "capture_failed"
	}
}

func (s *LiveSession) handleModelEvent(ev gemini.LiveEvent) {
	if ev.Err != nil {
		s.handleStreamFailure(ev.Err)
		return
	}

	if ev.InputText != "" {
		s.pending.Append(transcript.RolePatient, ev.InputText)
		_ = s.sendJSON(protocol.PartialTranscript{
			Type: protocol.TypePartialTranscript,
			Role: transcript.RolePatient,
			Text: s.pending.Text(transcript.RolePatient),
		})
	}
	if ev.OutputText != "" {
		s.pending.Append(transcript.RoleAssistant, ev.OutputText)
		_ = s.sendJSON(protocol.PartialTranscript{
			Type: protocol.TypePartialTranscript,
			Role: transcript.RoleAssistant,
			Text: s.pending.Text(transcript.RoleAssistant),
		})
	}
	if len(ev.Audio) > 0 {
		if len(s.assistantAudio) < maxFragmentBytes {
			s.assistantAudio = append(s.assistantAudio, ev.Audio...)
		}
		startMS, durMS := s.playback.Schedule(len(ev.Audio), protocol.AudioOutSampleRateHz)
		_ = s.sendJSON(protocol.AudioChunk{
			Type:       protocol.TypeAudioChunk,
			Data:       base64.StdEncoding.EncodeToString(ev.Audio),
			StartMS:    startMS,
			DurationMS: durMS,
		})
	}
	if ev.Interrupted {
		s.playback.Interrupt()
		_ = s.sendJSON(protocol.AudioInterrupted{Type: protocol.TypeAudioInterrupted})
	}
	if ev.TurnComplete {
		s.finalizeTurn()
		s.maybeCheckpoint()
	}
}

// handleStreamClosed runs when the model event channel closes. During a
// deliberate teardown the session has already left listening, so this is
// only an error when the close was unexpected.
func (s *LiveSession) handleStreamClosed() {
	if s.machine.Current() != state.Listening {
		return
	}
	s.handleStreamFailure(fmt.Errorf("model stream closed unexpectedly"))
}

// handleStreamFailure surfaces a mid-session model error. Pending partials
// are kept, not flushed: the last checkpoint already carries them, and
// fabricating finalized entries from a broken turn would corrupt the record.
func (s *LiveSession) handleStreamFailure(err error) {
	if !s.machine.TryTransition(state.Errored) {
		return
	}
	s.logger.Error("realtime model stream failed",
		"request_id", s.requestID, "session_id", s.sessionID, "error", err)
	s.teardownStream()
	s.playback.Interrupt()
	s.sendState()
	_ = s.sendJSON(protocol.Error{
		Type: protocol.TypeError, Code: "connection_failed",
		Message: "the realtime model connection was lost",
	})
}

// finalizeTurn promotes pending partials to transcript entries, patient
// before assistant, and hands each role's buffered audio to the archive.
func (s *LiveSession) finalizeTurn() {
	finalized := s.pending.Drain(s.language, s.now())
	for _, e := range finalized {
		var pcm []byte
		var rate int
		switch e.Role {
		case transcript.RolePatient:
			pcm, s.patientAudio = s.patientAudio, nil
			rate = protocol.AudioInSampleRateHz
		case transcript.RoleAssistant:
			pcm, s.assistantAudio = s.assistantAudio, nil
			rate = protocol.AudioOutSampleRateHz
		}
		s.entries = append(s.entries, e)
		_ = s.sendJSON(protocol.TranscriptEntry{Type: protocol.TypeTranscriptEntry, Entry: e})
		if s.audio != nil && len(pcm) > 0 {
			s.uploadFragment(e.ID, e.Role, pcm, rate)
		}
	}
	if len(finalized) > 0 {
		// Clear any stale partial views on the client.
		for _, role := range []transcript.Role{transcript.RolePatient, transcript.RoleAssistant} {
			_ = s.sendJSON(protocol.PartialTranscript{Type: protocol.TypePartialTranscript, Role: role, Text: ""})
		}
	}
	// Audio without any finalized text has no entry to attach to.
	s.patientAudio = nil
	s.assistantAudio = nil
}

// uploadFragment archives one utterance's audio off the run loop. The result
// comes back through s.uploads so entry enrichment stays on the loop.
func (s *LiveSession) uploadFragment(entryID string, role transcript.Role, pcm []byte, sampleRateHz int) {
	sessionID := s.sessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		url, err := s.audio.SaveFragment(ctx, sessionID, entryID, role, pcm, sampleRateHz)
		select {
		case s.uploads <- uploadResult{entryID: entryID, audioURL: url, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

// handleUploadDone applies the one-shot audio enrichment. A failed upload
// leaves the entry without audio; the text record is already safe.
func (s *LiveSession) handleUploadDone(up uploadResult) {
	if up.err != nil {
		s.logger.Warn("audio fragment upload failed",
			"request_id", s.requestID, "session_id", s.sessionID,
			"entry_id", up.entryID, "error", up.err)
		return
	}
	for i := range s.entries {
		if s.entries[i].ID != up.entryID {
			continue
		}
		if s.entries[i].AudioURL != "" {
			return
		}
		s.entries[i].AudioURL = up.audioURL
		_ = s.sendJSON(protocol.EntryAudio{
			Type:     protocol.TypeEntryAudio,
			EntryID:  up.entryID,
			AudioURL: up.audioURL,
		})
		return
	}
}

func (s *LiveSession) maybeCheckpoint() {
	if !s.checkpoints.ShouldSave(s.machine.Current(), s.ownerID, s.sessionID, len(s.entries)) {
		return
	}
	cp := checkpoint.Checkpoint{
		OwnerID:          s.ownerID,
		SessionID:        s.sessionID,
		PatientName:      s.patientName,
		Language:         s.language,
		State:            s.machine.Current(),
		Transcript:       append([]transcript.Entry(nil), s.entries...),
		PendingPatient:   s.pending.Text(transcript.RolePatient),
		PendingAssistant: s.pending.Text(transcript.RoleAssistant),
		SessionStart:     s.startTime,
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.StoreTimeout)
	s.checkpoints.Save(ctx, cp)
	cancel()
}

// clearCheckpoint removes the saved checkpoint after a completed interview.
// Background context: completion must clear even while the connection is
// being torn down.
func (s *LiveSession) clearCheckpoint() {
	if s.checkpoints == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	s.checkpoints.Clear(ctx, s.ownerID, s.sessionID)
}

func (s *LiveSession) resetInterview() {
	s.entries = nil
	s.pending.Restore("", "")
	s.patientAudio = nil
	s.assistantAudio = nil
	s.playback.Reset()
	s.checkpoints.Reset(0)
}

func (s *LiveSession) teardownStream() {
	if s.stream == nil {
		return
	}
	_ = s.stream.Close()
	s.stream = nil
}

func (s *LiveSession) sendState() {
	_ = s.sendJSON(protocol.SessionState{
		Type:      protocol.TypeSessionState,
		State:     string(s.machine.Current()),
		SessionID: s.sessionID,
	})
}

func (s *LiveSession) sendJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return s.conn.WriteJSON(v)
}

func newSessionID(at time.Time) string {
	return fmt.Sprintf("session_%d_%s", at.UnixMilli(), uuid.NewString()[:8])
}
