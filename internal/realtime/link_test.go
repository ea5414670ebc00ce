package realtime

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestIsBufferRejection(t *testing.T) {
	cases := []struct {
		code, message string
		want          bool
	}{
		{"input_audio_buffer_commit_empty", "", true},
		{"", "Error committing input audio buffer: buffer too small.", true},
		{"", "Expected at least 100ms of audio, but buffer only has 0.00ms.", true},
		{"invalid_request_error", "model not found", false},
		{"", "", false},
	}
	for _, c := range cases {
		if got := isBufferRejection(c.code, c.message); got != c.want {
			t.Errorf("isBufferRejection(%q, %q) = %v, want %v", c.code, c.message, got, c.want)
		}
	}
}

func TestSessionUpdatePayload(t *testing.T) {
	p := sessionUpdatePayload(SessionConfig{
		Instructions: "be kind",
		Voice:        "shimmer",
		Language:     "ru",
	})
	if p["type"] != wireSessionUpdate {
		t.Fatalf("type = %v", p["type"])
	}
	session, ok := p["session"].(map[string]any)
	if !ok {
		t.Fatalf("session payload missing")
	}
	if session["voice"] != "shimmer" {
		t.Fatalf("voice = %v", session["voice"])
	}
	if session["temperature"] != 0.8 {
		t.Fatalf("temperature default = %v, want 0.8", session["temperature"])
	}
	tr, ok := session["input_audio_transcription"].(map[string]any)
	if !ok || tr["language"] != "ru" {
		t.Fatalf("transcription language not propagated: %v", session["input_audio_transcription"])
	}
	td, ok := session["turn_detection"].(map[string]any)
	if !ok || td["type"] != "server_vad" {
		t.Fatalf("turn_detection = %v", session["turn_detection"])
	}
}

func TestDispatchClassifiesEvents(t *testing.T) {
	l := NewLink(Config{Model: "test"}, slog.Default())

	cases := []struct {
		name string
		raw  string
		want EventKind
	}{
		{"plain error", `{"type":"error","error":{"code":"rate_limit","message":"slow down"}}`, KindError},
		{"buffer rejection", `{"type":"error","error":{"code":"input_audio_buffer_commit_empty","message":"buffer too small"}}`, KindBufferRejected},
		{"user transcript", `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`, KindTranscription},
		{"assistant transcript", `{"type":"response.audio_transcript.delta","delta":"hi"}`, KindTranscription},
		{"text delta", `{"type":"response.text.delta","delta":"h"}`, KindTextDelta},
		{"audio delta", `{"type":"response.audio.delta","delta":"AAAA"}`, KindAudioDelta},
		{"response done", `{"type":"response.done","response":{"status":"completed"}}`, KindResponseDone},
		{"buffer committed", `{"type":"input_audio_buffer.committed"}`, KindBufferCommitted},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var frame eventFrame
			if err := json.Unmarshal([]byte(c.raw), &frame); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			l.dispatch(frame)
			select {
			case ev := <-l.events:
				if ev.Kind != c.want {
					t.Fatalf("kind = %v, want %v", ev.Kind, c.want)
				}
			default:
				t.Fatalf("no event emitted")
			}
		})
	}
}

func TestDispatchDropsUnknownTypes(t *testing.T) {
	l := NewLink(Config{Model: "test"}, slog.Default())
	l.dispatch(eventFrame{Type: "rate_limits.updated"})
	select {
	case ev := <-l.events:
		t.Fatalf("unexpected event for unknown type: %v", ev.Kind)
	default:
	}
}

func TestOutboundOpsFailWhenNotConnected(t *testing.T) {
	l := NewLink(Config{Model: "test"}, slog.Default())

	ops := map[string]func() error{
		"AppendAudio":    func() error { return l.AppendAudio("AAAA") },
		"Commit":         func() error { return l.Commit() },
		"ClearBuffer":    func() error { return l.ClearBuffer() },
		"SendUserText":   func() error { return l.SendUserText("hi") },
		"CreateResponse": func() error { return l.CreateResponse(ResponseOverrides{}) },
		"CancelResponse": func() error { return l.CancelResponse() },
		"UpdateSession":  func() error { return l.UpdateSession("x", "alloy") },
	}
	for name, op := range ops {
		if err := op(); err != ErrNotConnected {
			t.Errorf("%s error = %v, want ErrNotConnected", name, err)
		}
	}
}

func TestDisconnectedEventNeverBlocks(t *testing.T) {
	l := NewLink(Config{Model: "test"}, slog.Default())

	// Nobody draining: fill the event channel to capacity, then make sure
	// the teardown notification still returns instead of parking forever.
	for i := 0; i < cap(l.events); i++ {
		l.events <- Event{Kind: KindTextDelta}
	}

	done := make(chan struct{})
	go func() {
		l.emit(Event{Kind: KindDisconnected})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on a saturated event channel")
	}
}

func TestTranscriptionRoles(t *testing.T) {
	l := NewLink(Config{Model: "test"}, slog.Default())

	l.dispatch(eventFrame{Type: wireTranscriptionCompleted, Transcript: "привет"})
	ev := <-l.events
	if ev.Role != "user" || ev.Text != "привет" {
		t.Fatalf("user transcription = %+v", ev)
	}

	l.dispatch(eventFrame{Type: wireAudioTranscriptDelta, Delta: "hello"})
	ev = <-l.events
	if ev.Role != "assistant" || ev.Text != "hello" {
		t.Fatalf("assistant transcription = %+v", ev)
	}
}
