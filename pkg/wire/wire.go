// Package wire defines the JSON message envelope exchanged with the
// transcription backend and the single decoding boundary that normalizes it.
//
// The backend speaks two frame kinds over one websocket: binary frames carry
// raw audio bytes with no additional framing, and text frames carry a JSON
// envelope {type, timestamp, data}. Historical backend versions emit aliased
// field and type names (transcript_result vs transcription_result, error vs
// code); [Decode] folds all aliases into one canonical [Message] so that no
// aliasing logic leaks into business code.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the canonical message type after alias normalization.
type Kind string

const (
	// KindTranscript is a final transcript+classification result for a session.
	KindTranscript Kind = "transcript_result"

	// KindError is a backend-reported error.
	KindError Kind = "error"

	// KindConnectionStatus is a backend-initiated status notification.
	KindConnectionStatus Kind = "connection_status"

	// KindSessionAck acknowledges a session_command (start or end).
	KindSessionAck Kind = "session_created"

	// KindPong answers a client ping.
	KindPong Kind = "pong"
)

// Sentiment labels emitted by the backend classifier.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentToxic    = "toxic"
)

// ErrUnknownType is wrapped by [Decode] when the envelope type is not
// recognised. Callers log and discard the message; it never aborts the
// connection.
var ErrUnknownType = errors.New("unknown message type")

// envelope is the raw JSON frame shape before normalization.
type envelope struct {
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Message is the canonical decoded form of a server text frame. Exactly one
// of the payload pointers is non-nil, matching Kind.
type Message struct {
	Kind      Kind
	Timestamp time.Time

	Transcript *TranscriptResult
	Error      *ErrorInfo
	Status     *ConnectionStatus
	Session    *SessionAck
	Pong       *Pong
}

// TranscriptResult is the backend's final transcription+classification output
// for one session.
type TranscriptResult struct {
	Text                string   `json:"text"`
	ASRConfidence       float64  `json:"asr_confidence"`
	SentimentLabel      string   `json:"sentiment_label"`
	SentimentConfidence float64  `json:"sentiment_confidence"`
	Warning             bool     `json:"warning"`
	BadKeywords         []string `json:"bad_keywords,omitempty"`
	ProcessingTime      float64  `json:"processing_time"`
	RealTimeFactor      float64  `json:"real_time_factor"`
	AudioDuration       float64  `json:"audio_duration"`
	SampleRate          int      `json:"sample_rate"`
	SessionID           string   `json:"session_id,omitempty"`
}

// OverallConfidence blends ASR and sentiment confidence into one score.
// ASR carries 60% of the weight, sentiment 40%.
func (t *TranscriptResult) OverallConfidence() float64 {
	return t.ASRConfidence*0.6 + t.SentimentConfidence*0.4
}

// ErrorInfo is a backend-reported error. Legacy backends send the code in a
// field named "code"; current ones use "error". Decode normalizes both into
// Code.
type ErrorInfo struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ConnectionStatus is a backend-initiated connection state notification.
type ConnectionStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SessionAck acknowledges a session_command. For start_session a successful
// ack carries the server-issued session id; for end_session it signals the
// session is closed server-side.
type SessionAck struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Pong echoes the timestamp of the ping it answers.
type Pong struct {
	Timestamp float64 `json:"timestamp"`
}

// SessionCommand is the client → server session control message.
type SessionCommand struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
}

// Session command verbs.
const (
	CommandStartSession = "start_session"
	CommandEndSession   = "end_session"
)

// Ping is the client → server heartbeat message.
type Ping struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// EncodeStartSession builds the JSON frame that opens a new session.
func EncodeStartSession() ([]byte, error) {
	return json.Marshal(SessionCommand{Type: "session_command", Command: CommandStartSession})
}

// EncodeEndSession builds the JSON frame that closes the session sessionID.
func EncodeEndSession(sessionID string) ([]byte, error) {
	return json.Marshal(SessionCommand{Type: "session_command", Command: CommandEndSession, SessionID: sessionID})
}

// EncodePing builds a heartbeat frame stamped with now.
func EncodePing(now time.Time) ([]byte, error) {
	return json.Marshal(Ping{Type: "ping", Timestamp: float64(now.UnixMilli()) / 1000})
}

// Decode parses a raw server text frame into a canonical [Message].
//
// Type aliases (transcription_result, session_response) and the legacy error
// "code" field are resolved here and nowhere else. A malformed frame or an
// unrecognised type yields an error; callers discard the single offending
// message and keep the connection alive.
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	msg := &Message{Timestamp: timestampFromUnix(env.Timestamp)}

	switch env.Type {
	case "transcript_result", "transcription_result":
		msg.Kind = KindTranscript
		msg.Transcript = &TranscriptResult{}
		if err := unmarshalData(env.Data, msg.Transcript); err != nil {
			return nil, fmt.Errorf("wire: decode transcript_result: %w", err)
		}

	case "error":
		msg.Kind = KindError
		msg.Error = &ErrorInfo{}
		if err := unmarshalData(env.Data, msg.Error); err != nil {
			return nil, fmt.Errorf("wire: decode error: %w", err)
		}
		if msg.Error.Code == "" {
			// Legacy field name.
			var legacy struct {
				Code string `json:"code"`
			}
			if err := unmarshalData(env.Data, &legacy); err == nil {
				msg.Error.Code = legacy.Code
			}
		}

	case "connection_status":
		msg.Kind = KindConnectionStatus
		msg.Status = &ConnectionStatus{}
		if err := unmarshalData(env.Data, msg.Status); err != nil {
			return nil, fmt.Errorf("wire: decode connection_status: %w", err)
		}

	case "session_created", "session_response":
		msg.Kind = KindSessionAck
		msg.Session = &SessionAck{}
		if err := unmarshalData(env.Data, msg.Session); err != nil {
			return nil, fmt.Errorf("wire: decode session ack: %w", err)
		}

	case "pong":
		msg.Kind = KindPong
		msg.Pong = &Pong{}
		if err := unmarshalData(env.Data, msg.Pong); err != nil {
			return nil, fmt.Errorf("wire: decode pong: %w", err)
		}

	default:
		return nil, fmt.Errorf("wire: %w: %q", ErrUnknownType, env.Type)
	}

	return msg, nil
}

// unmarshalData decodes the data field, tolerating its absence (some backend
// messages omit data entirely).
func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// timestampFromUnix converts a fractional unix-seconds timestamp to time.Time.
// A zero timestamp yields the zero time rather than 1970.
func timestampFromUnix(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts*float64(time.Second)))
}
