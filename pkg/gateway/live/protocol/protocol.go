// Package protocol defines the typed WebSocket frames exchanged with the
// interview client. The first client frame must be session_start; microphone
// audio travels as binary frames outside this package.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cabohealth/nova/pkg/gateway/live/transcript"
)

const (
	// Fixed audio shape, dictated by the realtime model collaborator.
	AudioInSampleRateHz  = 16000
	AudioOutSampleRateHz = 24000

	maxPatientNameLen = 200
)

// Client frame types.
const (
	TypeSessionStart  = "session_start"
	TypeSessionResume = "session_resume"
	TypeSessionEnd    = "session_end"
	TypeSessionNew    = "session_new"
	TypeStartFailed   = "start_failed"
)

// Server frame types.
const (
	TypeSessionState      = "session_state"
	TypePartialTranscript = "partial_transcript"
	TypeTranscriptEntry   = "transcript_entry"
	TypeEntryAudio        = "entry_audio"
	TypeAudioChunk        = "audio_chunk"
	TypeAudioInterrupted  = "audio_interrupted"
	TypeSummary           = "summary"
	TypeError             = "error"
)

// Client-reported causes for a failed start attempt. Resource acquisition
// happens on the client; the server only maps the cause to a lifecycle error.
const (
	StartFailPermissionDenied = "permission_denied"
	StartFailDeviceNotFound   = "device_not_found"
	StartFailInsecureContext  = "insecure_context"
	StartFailGeneric          = "generic"
)

// DecodeError describes a rejected client frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// SessionStart opens a fresh session, discarding any prior transcript.
type SessionStart struct {
	Type        string `json:"type"`
	PatientName string `json:"patient_name"`
	Language    string `json:"language"`
}

// SessionResume asks the server to restore an interrupted session from its
// checkpoint. The session stays idle afterwards; audio capture does not
// resume until the client sends session_start.
type SessionResume struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionEnd requests termination and summary generation.
type SessionEnd struct {
	Type string `json:"type"`
}

// SessionNew abandons the current session and returns to idle.
type SessionNew struct {
	Type string `json:"type"`
}

// StartFailed reports a client-side resource-acquisition failure while the
// session is connecting.
type StartFailed struct {
	Type  string `json:"type"`
	Cause string `json:"cause"`
}

type typeProbe struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one text frame into its typed form.
func DecodeClientMessage(data []byte) (any, error) {
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, badRequest("invalid JSON frame", "")
	}

	switch probe.Type {
	case TypeSessionStart:
		var msg SessionStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_start frame", "")
		}
		msg.PatientName = strings.TrimSpace(msg.PatientName)
		if msg.PatientName == "" {
			return nil, badRequest("patient_name is required", "patient_name")
		}
		if len(msg.PatientName) > maxPatientNameLen {
			return nil, badRequest("patient_name is too long", "patient_name")
		}
		if msg.Language != "es" && msg.Language != "en" {
			return nil, badRequest(`language must be "es" or "en"`, "language")
		}
		return msg, nil
	case TypeSessionResume:
		var msg SessionResume
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_resume frame", "")
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, badRequest("session_id is required", "session_id")
		}
		return msg, nil
	case TypeSessionEnd:
		return SessionEnd{Type: TypeSessionEnd}, nil
	case TypeSessionNew:
		return SessionNew{Type: TypeSessionNew}, nil
	case TypeStartFailed:
		var msg StartFailed
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_failed frame", "")
		}
		switch msg.Cause {
		case StartFailPermissionDenied, StartFailDeviceNotFound, StartFailInsecureContext, StartFailGeneric:
		default:
			msg.Cause = StartFailGeneric
		}
		return msg, nil
	case "":
		return nil, badRequest("missing frame type", "type")
	default:
		return nil, badRequest(fmt.Sprintf("unknown frame type %q", probe.Type), "type")
	}
}

// SessionState announces a lifecycle transition.
type SessionState struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
}

// PartialTranscript streams not-yet-finalized text for one role.
type PartialTranscript struct {
	Type string          `json:"type"`
	Role transcript.Role `json:"role"`
	Text string          `json:"text"`
}

// TranscriptEntry announces a finalized utterance.
type TranscriptEntry struct {
	Type  string           `json:"type"`
	Entry transcript.Entry `json:"entry"`
}

// EntryAudio enriches an already-announced entry with its stored audio URL.
type EntryAudio struct {
	Type     string `json:"type"`
	EntryID  string `json:"entry_id"`
	AudioURL string `json:"audio_url"`
}

// AudioChunk carries one model audio frame with its scheduled playback slot
// on the session clock, so the client can play back gap-free.
type AudioChunk struct {
	Type       string `json:"type"`
	Data       string `json:"data"` // base64 pcm_s16le @24000Hz mono
	StartMS    int64  `json:"start_ms"`
	DurationMS int64  `json:"duration_ms"`
}

// AudioInterrupted tells the client to stop and discard all scheduled audio.
type AudioInterrupted struct {
	Type string `json:"type"`
}

// Summary delivers the sanitized clinical summary. Placeholder is set when
// the transcript was too short to summarize.
type Summary struct {
	Type        string `json:"type"`
	HTML        string `json:"html"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// Error reports a session-fatal condition. Close signals that the server
// will drop the connection.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}
