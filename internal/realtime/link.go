// Package realtime owns the single persistent connection to the upstream
// speech-to-speech service and translates between local intents and wire
// events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("upstream link not connected")

type Config struct {
	APIKey string
	URL    string
	Model  string
}

// SessionConfig is the negotiated upstream session shape, sent once on
// connect and re-sent (partially) on session updates.
type SessionConfig struct {
	Instructions string
	Voice        string
	Language     string
	Temperature  float64
}

// ResponseOverrides optionally narrow a single response.create call.
type ResponseOverrides struct {
	Modalities   []string
	Instructions string
	Temperature  float64
}

// Link is one live upstream connection. Writes are serialized with a
// mutex; inbound events arrive on the Events channel from the read loop.
type Link struct {
	cfg    Config
	logger *slog.Logger

	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	closeOnce sync.Once
	events    chan Event

	sessionID atomic.Value // string, set by session.created
}

func NewLink(cfg Config, logger *slog.Logger) *Link {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 256),
	}
}

// Connect dials the upstream service, starts the read loop and sends the
// session configuration. The caller bounds the dial with ctx.
func (l *Link) Connect(ctx context.Context, sc SessionConfig) error {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", l.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+l.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return fmt.Errorf("dial realtime websocket: %w", err)
	}

	l.conn = conn
	l.connected.Store(true)
	go l.readLoop()

	if err := l.sendEvent(sessionUpdatePayload(sc)); err != nil {
		_ = l.Disconnect()
		return fmt.Errorf("configure session: %w", err)
	}
	l.logger.Info("upstream link connected", "model", l.cfg.Model, "voice", sc.Voice)
	return nil
}

// Events returns the inbound event stream. The channel is closed when the
// transport closes; a final KindDisconnected event precedes the close.
func (l *Link) Events() <-chan Event { return l.events }

func (l *Link) IsConnected() bool { return l.connected.Load() }

// SessionID returns the upstream-assigned session id, if negotiated yet.
func (l *Link) SessionID() string {
	if v, ok := l.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

// Disconnect closes the transport. Safe to call more than once; the read
// loop observes the closure and winds down the event channel.
func (l *Link) Disconnect() error {
	l.connected.Store(false)
	if l.conn == nil {
		return nil
	}
	var retErr error
	l.closeOnce.Do(func() {
		retErr = l.conn.Close()
	})
	return retErr
}

// AppendAudio forwards one base64-encoded PCM16 chunk.
func (l *Link) AppendAudio(audioBase64 string) error {
	return l.sendEvent(map[string]any{
		"type":  wireBufferAppend,
		"audio": audioBase64,
	})
}

// Commit asks the upstream to process the accumulated audio buffer.
func (l *Link) Commit() error {
	return l.sendEvent(map[string]any{"type": wireBufferCommit})
}

// ClearBuffer discards any un-committed upstream audio.
func (l *Link) ClearBuffer() error {
	return l.sendEvent(map[string]any{"type": wireBufferClear})
}

// SendUserText injects a typed user turn into the conversation.
func (l *Link) SendUserText(text string) error {
	return l.sendEvent(map[string]any{
		"type": wireItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// CreateResponse requests a model response, optionally overriding
// modalities, instructions or temperature for this one call.
func (l *Link) CreateResponse(ov ResponseOverrides) error {
	response := map[string]any{}
	if len(ov.Modalities) > 0 {
		response["modalities"] = ov.Modalities
	}
	if ov.Instructions != "" {
		response["instructions"] = ov.Instructions
	}
	if ov.Temperature > 0 {
		response["temperature"] = ov.Temperature
	}
	return l.sendEvent(map[string]any{
		"type":     wireResponseNew,
		"response": response,
	})
}

// CancelResponse aborts the in-flight response, if any.
func (l *Link) CancelResponse() error {
	return l.sendEvent(map[string]any{"type": wireResponseStop})
}

// UpdateSession pushes new instructions and/or voice mid-session. The
// voice must always be re-asserted alongside instruction updates so a
// concurrent refresh cannot clobber a voice change.
func (l *Link) UpdateSession(instructions, voice string) error {
	session := map[string]any{}
	if instructions != "" {
		session["instructions"] = instructions
	}
	if voice != "" {
		session["voice"] = voice
	}
	if len(session) == 0 {
		return nil
	}
	return l.sendEvent(map[string]any{
		"type":    wireSessionUpdate,
		"session": session,
	})
}

func (l *Link) sendEvent(payload map[string]any) error {
	if !l.connected.Load() {
		return ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(payload)
}

// eventFrame is the superset of fields across inbound wire events.
type eventFrame struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Error      struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
	Response struct {
		Status string `json:"status"`
	} `json:"response"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

func (l *Link) readLoop() {
	defer func() {
		l.connected.Store(false)
		// Non-blocking: the consumer may have stopped draining already.
		l.emit(Event{Kind: KindDisconnected})
		close(l.events)
	}()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame eventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			l.logger.Error("decode upstream event failed", "error", err)
			continue
		}
		l.dispatch(frame)
	}
}

func (l *Link) dispatch(frame eventFrame) {
	switch frame.Type {
	case wireError:
		if isBufferRejection(frame.Error.Code, frame.Error.Message) {
			// Expected when users tap the mic briefly; not a service fault.
			l.logger.Info("upstream buffer validation",
				"code", frame.Error.Code, "message", frame.Error.Message)
			l.emit(Event{Kind: KindBufferRejected, ErrCode: frame.Error.Code, ErrMessage: frame.Error.Message})
			return
		}
		l.logger.Error("upstream error event",
			"code", frame.Error.Code, "type", frame.Error.Type, "message", frame.Error.Message)
		l.emit(Event{Kind: KindError, ErrCode: frame.Error.Code, ErrMessage: frame.Error.Message})
	case wireSessionCreated:
		l.sessionID.Store(frame.Session.ID)
		l.emit(Event{Kind: KindSessionCreated, SessionID: frame.Session.ID})
	case wireSessionUpdated:
		l.emit(Event{Kind: KindSessionUpdated})
	case wireTranscriptionCompleted:
		l.emit(Event{Kind: KindTranscription, Role: "user", Text: frame.Transcript})
	case wireTextDelta:
		l.emit(Event{Kind: KindTextDelta, Delta: frame.Delta})
	case wireTextDone:
		l.emit(Event{Kind: KindTextDone, Text: frame.Text})
	case wireAudioDelta:
		l.emit(Event{Kind: KindAudioDelta, AudioBase64: frame.Delta})
	case wireAudioDone:
		l.emit(Event{Kind: KindAudioDone})
	case wireAudioTranscriptDelta:
		l.emit(Event{Kind: KindTranscription, Role: "assistant", Text: frame.Delta})
	case wireResponseDone:
		l.emit(Event{Kind: KindResponseDone, Status: frame.Response.Status})
	case wireSpeechStarted:
		l.emit(Event{Kind: KindSpeechStarted})
	case wireSpeechStopped:
		l.emit(Event{Kind: KindSpeechStopped})
	case wireBufferCommitted:
		l.emit(Event{Kind: KindBufferCommitted})
	default:
		// Forward-compatible: unknown server events are not an error.
		l.logger.Debug("unhandled upstream event type", "type", frame.Type)
	}
}

func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("upstream event channel saturated, dropping", "kind", ev.Kind.String())
	}
}

func sessionUpdatePayload(sc SessionConfig) map[string]any {
	temperature := sc.Temperature
	if temperature <= 0 {
		temperature = 0.8
	}
	transcription := map[string]any{"model": "whisper-1"}
	if sc.Language != "" {
		transcription["language"] = sc.Language
	}
	return map[string]any{
		"type": wireSessionUpdate,
		"session": map[string]any{
			"modalities":                []string{"text", "audio"},
			"instructions":              sc.Instructions,
			"voice":                     sc.Voice,
			"input_audio_format":        "pcm16",
			"output_audio_format":       "pcm16",
			"input_audio_transcription": transcription,
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.85,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 700,
			},
			"temperature": temperature,
		},
	}
}

// isBufferRejection matches the empty/too-small commit error signature.
func isBufferRejection(code, message string) bool {
	if code == "input_audio_buffer_commit_empty" {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "buffer too small") || strings.Contains(message, "0.00ms")
}
