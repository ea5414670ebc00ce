package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client → server.
	TypeAudioAppend    MessageType = "audio.append"
	TypeAudioCommit    MessageType = "audio.commit"
	TypeTextInput      MessageType = "text.input"
	TypeContextRefresh MessageType = "context.refresh"
	TypeVoiceChange    MessageType = "voice.change"
	TypeSessionEnd     MessageType = "session.end"

	// Server → client.
	TypeSessionConnecting MessageType = "session.connecting"
	TypeSessionReady      MessageType = "session.ready"
	TypeSessionMetrics    MessageType = "session.metrics"
	TypeAudioReceived     MessageType = "audio.received"
	TypeAudioDelta        MessageType = "audio.delta"
	TypeTextDelta         MessageType = "text.delta"
	TypeTranscription     MessageType = "transcription"
	TypeContextUpdated    MessageType = "context.updated"
	TypeContextRefreshed  MessageType = "context.refreshed"
	TypeResponseDone      MessageType = "response.done"
	TypeVoiceChanged      MessageType = "voice.changed"
	TypeProfileUpdated    MessageType = "profile.updated"
	TypeError             MessageType = "error"
)

// Terminal statuses carried by response.done.
const (
	StatusCompleted         = "completed"
	StatusError             = "error"
	StatusNoAudio           = "no_audio"
	StatusInsufficientAudio = "insufficient_audio"
	StatusUpstreamRejected  = "openai_rejected"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Inbound messages.

type AudioAppend struct {
	Type    MessageType `json:"type"`
	Audio   string      `json:"audio"`
	ChunkID string      `json:"chunk_id,omitempty"`
}

type AudioCommit struct {
	Type MessageType `json:"type"`
}

type TextInput struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ContextRefresh struct {
	Type  MessageType `json:"type"`
	Query string      `json:"query"`
}

type VoiceChange struct {
	Type   MessageType `json:"type"`
	Voice  string      `json:"voice,omitempty"`
	SkinID int         `json:"skin_id,omitempty"`
}

type SessionEnd struct {
	Type MessageType `json:"type"`
}

// Outbound messages.

type SessionConnecting struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
}

type SessionReady struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Model     string      `json:"model"`
	Voice     string      `json:"voice"`
	Status    string      `json:"status"`
}

type SessionMetrics struct {
	Type    MessageType      `json:"type"`
	Metrics map[string]int64 `json:"metrics"`
}

type AudioReceived struct {
	Type    MessageType `json:"type"`
	ChunkID string      `json:"chunk_id,omitempty"`
}

type AudioDelta struct {
	Type    MessageType `json:"type"`
	Audio   string      `json:"audio"`
	ChunkID string      `json:"chunk_id"`
}

type TextDelta struct {
	Type  MessageType `json:"type"`
	Delta string      `json:"delta"`
}

type Transcription struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
	Role string      `json:"role"`
}

// Snippet is a single ranked retrieval result forwarded to the client.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score,omitempty"`
}

type ContextUpdated struct {
	Type            MessageType `json:"type"`
	UserContext     []Snippet   `json:"user_context"`
	AppContext      []Snippet   `json:"app_context"`
	RetrievalMethod string      `json:"retrieval_method"`
	Query           string      `json:"query,omitempty"`
}

type ContextRefreshed struct {
	Type            MessageType `json:"type"`
	UserContext     []Snippet   `json:"user_context"`
	AppContext      []Snippet   `json:"app_context"`
	RetrievalMethod string      `json:"retrieval_method"`
}

type ResponseDone struct {
	Type    MessageType `json:"type"`
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
}

type VoiceChanged struct {
	Type     MessageType `json:"type"`
	OldVoice string      `json:"old_voice"`
	NewVoice string      `json:"new_voice"`
}

type ProfileUpdated struct {
	Type   MessageType `json:"type"`
	Name   string      `json:"name,omitempty"`
	Age    int         `json:"age,omitempty"`
	Gender string      `json:"gender,omitempty"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ParseClientMessage decodes a raw client frame into one of the typed
// inbound variants. Unknown types return ErrUnsupportedType so the caller
// can log and continue.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioAppend:
		var msg AudioAppend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid audio.append: missing audio")
		}
		return msg, nil
	case TypeAudioCommit:
		return AudioCommit{Type: env.Type}, nil
	case TypeTextInput:
		var msg TextInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid text.input: missing text")
		}
		return msg, nil
	case TypeContextRefresh:
		var msg ContextRefresh
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeVoiceChange:
		var msg VoiceChange
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSessionEnd:
		return SessionEnd{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type of a parsed or outbound payload.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case AudioAppend:
		return m.Type, true
	case AudioCommit:
		return m.Type, true
	case TextInput:
		return m.Type, true
	case ContextRefresh:
		return m.Type, true
	case VoiceChange:
		return m.Type, true
	case SessionEnd:
		return m.Type, true
	case SessionConnecting:
		return m.Type, true
	case SessionReady:
		return m.Type, true
	case SessionMetrics:
		return m.Type, true
	case AudioReceived:
		return m.Type, true
	case AudioDelta:
		return m.Type, true
	case TextDelta:
		return m.Type, true
	case Transcription:
		return m.Type, true
	case ContextUpdated:
		return m.Type, true
	case ContextRefreshed:
		return m.Type, true
	case ResponseDone:
		return m.Type, true
	case VoiceChanged:
		return m.Type, true
	case ProfileUpdated:
		return m.Type, true
	case ErrorMessage:
		return m.Type, true
	default:
		return "", false
	}
}
