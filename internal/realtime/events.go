package realtime

// Wire event names of the upstream realtime protocol.
const (
	// Client → upstream.
	wireSessionUpdate = "session.update"
	wireBufferAppend  = "input_audio_buffer.append"
	wireBufferCommit  = "input_audio_buffer.commit"
	wireBufferClear   = "input_audio_buffer.clear"
	wireItemCreate    = "conversation.item.create"
	wireResponseNew   = "response.create"
	wireResponseStop  = "response.cancel"

	// Upstream → client.
	wireError                  = "error"
	wireSessionCreated         = "session.created"
	wireSessionUpdated         = "session.updated"
	wireTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	wireTextDelta              = "response.text.delta"
	wireTextDone               = "response.text.done"
	wireAudioDelta             = "response.audio.delta"
	wireAudioDone              = "response.audio.done"
	wireAudioTranscriptDelta   = "response.audio_transcript.delta"
	wireResponseDone           = "response.done"
	wireSpeechStarted          = "input_audio_buffer.speech_started"
	wireSpeechStopped          = "input_audio_buffer.speech_stopped"
	wireBufferCommitted        = "input_audio_buffer.committed"
)

// EventKind is the closed set of upstream events the link surfaces.
// Unrecognized wire types are logged and dropped inside the read loop,
// so consumers only ever see these kinds.
type EventKind int

const (
	KindError EventKind = iota
	// KindBufferRejected is an upstream "error" whose signature matches the
	// expected empty/too-small commit condition. Kept apart from KindError
	// so it is never surfaced to the user as a fault.
	KindBufferRejected
	KindSessionCreated
	KindSessionUpdated
	KindTranscription
	KindTextDelta
	KindTextDone
	KindAudioDelta
	KindAudioDone
	KindResponseDone
	KindSpeechStarted
	KindSpeechStopped
	KindBufferCommitted
	// KindDisconnected is emitted once when the transport closes; the link
	// does not reconnect on its own.
	KindDisconnected
)

func (k EventKind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindBufferRejected:
		return "buffer_rejected"
	case KindSessionCreated:
		return "session_created"
	case KindSessionUpdated:
		return "session_updated"
	case KindTranscription:
		return "transcription"
	case KindTextDelta:
		return "text_delta"
	case KindTextDone:
		return "text_done"
	case KindAudioDelta:
		return "audio_delta"
	case KindAudioDone:
		return "audio_done"
	case KindResponseDone:
		return "response_done"
	case KindSpeechStarted:
		return "speech_started"
	case KindSpeechStopped:
		return "speech_stopped"
	case KindBufferCommitted:
		return "buffer_committed"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one decoded upstream event.
type Event struct {
	Kind EventKind

	// Transcription payload: Role is "user" for completed input
	// transcriptions and "assistant" for audio transcript deltas.
	Role string
	Text string

	Delta       string
	AudioBase64 string

	// Response status for KindResponseDone.
	Status string

	ErrCode    string
	ErrMessage string

	SessionID string
}
