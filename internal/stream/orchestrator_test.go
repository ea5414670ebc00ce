package stream

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aura-voice/aura/internal/chatlog"
	"github.com/aura-voice/aura/internal/config"
	"github.com/aura-voice/aura/internal/observability"
	"github.com/aura-voice/aura/internal/profile"
	"github.com/aura-voice/aura/internal/protocol"
	"github.com/aura-voice/aura/internal/rag"
	"github.com/aura-voice/aura/internal/realtime"
	"github.com/aura-voice/aura/internal/session"
)

type sessionUpdate struct {
	instructions string
	voice        string
}

type fakeLink struct {
	mu        sync.Mutex
	events    chan realtime.Event
	closeOnce sync.Once
	connected bool

	connectErr error
	connectCfg realtime.SessionConfig

	appends   int
	commits   int
	responses []realtime.ResponseOverrides
	texts     []string
	updates   []sessionUpdate
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan realtime.Event, 32)}
}

func (f *fakeLink) Connect(_ context.Context, sc realtime.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.connectCfg = sc
	return nil
}

func (f *fakeLink) Events() <-chan realtime.Event { return f.events }

func (f *fakeLink) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) AppendAudio(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return realtime.ErrNotConnected
	}
	f.appends++
	return nil
}

func (f *fakeLink) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return realtime.ErrNotConnected
	}
	f.commits++
	return nil
}

func (f *fakeLink) ClearBuffer() error { return nil }

func (f *fakeLink) SendUserText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return realtime.ErrNotConnected
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeLink) CreateResponse(ov realtime.ResponseOverrides) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return realtime.ErrNotConnected
	}
	f.responses = append(f.responses, ov)
	return nil
}

func (f *fakeLink) CancelResponse() error { return nil }

func (f *fakeLink) UpdateSession(instructions, voice string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return realtime.ErrNotConnected
	}
	f.updates = append(f.updates, sessionUpdate{instructions: instructions, voice: voice})
	return nil
}

func (f *fakeLink) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeLink) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *fakeLink) responseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

type fakeRetriever struct {
	mu     sync.Mutex
	result *rag.Result
	calls  int

	// gate, when set, parks every call after the first until it closes.
	gate chan struct{}
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, query string) (*rag.Result, error) {
	f.mu.Lock()
	f.calls++
	wait := f.gate != nil && f.calls > 1
	gate := f.gate
	var res *rag.Result
	if f.result != nil {
		r := *f.result
		r.Query = query
		res = &r
	} else {
		res = &rag.Result{Query: query, Method: "vector", RetrievedAt: time.Now()}
	}
	f.mu.Unlock()

	if wait {
		<-gate
	}
	return res, nil
}

func (f *fakeRetriever) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRetriever) Close() error { return nil }

type harness struct {
	t         *testing.T
	orch      *Orchestrator
	sess      *session.Session
	link      *fakeLink
	retriever *fakeRetriever
	sink      *chatlog.Sink
	profiles  profile.Store
	inbound   chan any
	outbound  chan any
	done      chan error
	cancel    context.CancelFunc
}

func testConfig() config.Config {
	return config.Config{
		DefaultVoice:           "shimmer",
		TranscriptionLanguage:  "ru",
		OpenAIRealtimeModel:    "gpt-realtime-test",
		InstructionTimeout:     time.Second,
		UpstreamConnectTimeout: time.Second,
		WelcomeDelay:           20 * time.Millisecond,
		MetricsNamespace:       "aura_test",
	}
}

var (
	metricsOnce sync.Once
	testMetrics *observability.Metrics
)

func sharedMetrics() *observability.Metrics {
	metricsOnce.Do(func() { testMetrics = observability.NewMetrics("aura_stream_test") })
	return testMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	link := newFakeLink()
	retriever := &fakeRetriever{}
	sink := &chatlog.Sink{Rolling: chatlog.NewMemoryRolling(), Durable: chatlog.NewMemoryDurable()}
	profiles := profile.NewMemoryStore()
	sessions := session.NewManager(time.Minute)

	orch := New(testConfig(), sessions, func() UpstreamLink { return link },
		retriever, sink, profiles, nil, sharedMetrics(), slog.Default())
	orch.sleep = func(context.Context, time.Duration) {}

	sess := sessions.Create("u1", "shimmer")

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:         t,
		orch:      orch,
		sess:      sess,
		link:      link,
		retriever: retriever,
		sink:      sink,
		profiles:  profiles,
		inbound:   make(chan any, 32),
		outbound:  make(chan any, 64),
		done:      make(chan error, 1),
		cancel:    cancel,
	}
	go func() {
		h.done <- orch.RunConnection(ctx, sess, h.inbound, h.outbound, func() bool { return true })
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
		}
	})
	return h
}

// await pulls outbound messages until one of the wanted type arrives.
func (h *harness) await(want protocol.MessageType, timeout time.Duration) any {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-h.outbound:
			if got, ok := protocol.TypeOf(msg); ok && got == want {
				return msg
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %q", want)
			return nil
		}
	}
}

// awaitAbsent asserts no message of the given type shows up in the window.
func (h *harness) awaitAbsent(unwanted protocol.MessageType, window time.Duration) {
	h.t.Helper()
	deadline := time.After(window)
	for {
		select {
		case msg := <-h.outbound:
			if got, ok := protocol.TypeOf(msg); ok && got == unwanted {
				h.t.Fatalf("unexpected %q message: %+v", unwanted, msg)
			}
		case <-deadline:
			return
		}
	}
}

func pcmChunk(bytes int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, bytes))
}

func TestStartupSendsConnectingThenReady(t *testing.T) {
	h := newHarness(t)

	h.await(protocol.TypeSessionConnecting, time.Second)
	ready := h.await(protocol.TypeSessionReady, time.Second).(protocol.SessionReady)
	if ready.SessionID != h.sess.ID {
		t.Fatalf("session_id = %q, want %q", ready.SessionID, h.sess.ID)
	}
	if ready.Voice != "shimmer" {
		t.Fatalf("voice = %q, want shimmer", ready.Voice)
	}

	h.link.mu.Lock()
	lang := h.link.connectCfg.Language
	h.link.mu.Unlock()
	if lang != "ru" {
		t.Fatalf("transcription language = %q, want ru", lang)
	}
}

func TestGuestWelcomeFiresExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	waitUntil(t, time.Second, func() bool { return h.link.responseCount() == 1 })

	h.link.mu.Lock()
	instructions := h.link.responses[0].Instructions
	h.link.mu.Unlock()
	if instructions != welcomeInstructions {
		t.Fatalf("welcome instructions = %q", instructions)
	}

	// No second greeting, no matter how long the session idles.
	time.Sleep(100 * time.Millisecond)
	if n := h.link.responseCount(); n != 1 {
		t.Fatalf("responses = %d, want 1", n)
	}
}

func TestNoWelcomeForKnownUser(t *testing.T) {
	link := newFakeLink()
	sessions := session.NewManager(time.Minute)
	profiles := profile.NewMemoryStore()
	_ = profiles.Save(context.Background(), &profile.Profile{UserID: "u2", Name: "Петя", Age: 8})

	orch := New(testConfig(), sessions, func() UpstreamLink { return link },
		&fakeRetriever{}, &chatlog.Sink{Rolling: chatlog.NewMemoryRolling(), Durable: chatlog.NewMemoryDurable()},
		profiles, nil, sharedMetrics(), slog.Default())
	orch.sleep = func(context.Context, time.Duration) {}

	sess := sessions.Create("u2", "shimmer")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound := make(chan any)
	outbound := make(chan any, 64)
	done := make(chan error, 1)
	go func() {
		done <- orch.RunConnection(ctx, sess, inbound, outbound, func() bool { return true })
	}()

	time.Sleep(150 * time.Millisecond)
	if n := link.responseCount(); n != 0 {
		t.Fatalf("known user got %d greeting responses, want 0", n)
	}
	close(inbound)
	<-done
}

func TestCommitEmptyBuffer(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	h.inbound <- protocol.AudioCommit{Type: protocol.TypeAudioCommit}
	doneMsg := h.await(protocol.TypeResponseDone, time.Second).(protocol.ResponseDone)
	if doneMsg.Status != protocol.StatusNoAudio {
		t.Fatalf("status = %q, want %q", doneMsg.Status, protocol.StatusNoAudio)
	}
	if n := h.link.commitCount(); n != 0 {
		t.Fatalf("upstream commits = %d, want 0", n)
	}
}

func TestCommitInsufficientAudio(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	// 2400 bytes at 24kHz/16-bit is 50ms, below the 100ms floor.
	h.inbound <- protocol.AudioAppend{Type: protocol.TypeAudioAppend, Audio: pcmChunk(2400), ChunkID: "c1"}
	h.await(protocol.TypeAudioReceived, time.Second)
	h.inbound <- protocol.AudioCommit{Type: protocol.TypeAudioCommit}

	doneMsg := h.await(protocol.TypeResponseDone, 2*time.Second).(protocol.ResponseDone)
	if doneMsg.Status != protocol.StatusInsufficientAudio {
		t.Fatalf("status = %q, want %q", doneMsg.Status, protocol.StatusInsufficientAudio)
	}
	if n := h.link.commitCount(); n != 0 {
		t.Fatalf("upstream commits = %d, want 0", n)
	}
}

func TestCommitReadyForwardsOnce(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	// Three 70ms chunks accumulate to 210ms and yield one commit.
	for i := 0; i < 3; i++ {
		h.inbound <- protocol.AudioAppend{Type: protocol.TypeAudioAppend, Audio: pcmChunk(3360)}
		h.await(protocol.TypeAudioReceived, time.Second)
	}
	h.inbound <- protocol.AudioCommit{Type: protocol.TypeAudioCommit}

	waitUntil(t, 2*time.Second, func() bool { return h.link.commitCount() == 1 })

	// The buffer was reset: an immediate follow-up commit sees no audio.
	h.inbound <- protocol.AudioCommit{Type: protocol.TypeAudioCommit}
	doneMsg := h.await(protocol.TypeResponseDone, time.Second).(protocol.ResponseDone)
	if doneMsg.Status != protocol.StatusNoAudio {
		t.Fatalf("post-reset status = %q, want %q", doneMsg.Status, protocol.StatusNoAudio)
	}
	if n := h.link.commitCount(); n != 1 {
		t.Fatalf("upstream commits = %d, want exactly 1", n)
	}
}

func TestCommitDuringGraceGetsOwnNotice(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	// 7200 bytes is 150ms, enough to clear the minimum after the grace
	// wait. The second commit lands while the first is still waiting it
	// out and must terminate on its own, not vanish.
	h.inbound <- protocol.AudioAppend{Type: protocol.TypeAudioAppend, Audio: pcmChunk(7200)}
	h.await(protocol.TypeAudioReceived, time.Second)
	h.inbound <- protocol.AudioCommit{Type: protocol.TypeAudioCommit}
	h.inbound <- protocol.AudioCommit{Type: protocol.TypeAudioCommit}

	doneMsg := h.await(protocol.TypeResponseDone, 2*time.Second).(protocol.ResponseDone)
	if doneMsg.Status != protocol.StatusNoAudio {
		t.Fatalf("queued commit status = %q, want %q", doneMsg.Status, protocol.StatusNoAudio)
	}
	if n := h.link.commitCount(); n != 1 {
		t.Fatalf("upstream commits = %d, want exactly 1", n)
	}
	// One notice per queued commit, no extras.
	h.awaitAbsent(protocol.TypeResponseDone, 100*time.Millisecond)
}

func TestUpstreamBufferRejectionIsSoft(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	h.link.events <- realtime.Event{Kind: realtime.KindBufferRejected, ErrCode: "input_audio_buffer_commit_empty"}

	doneMsg := h.await(protocol.TypeResponseDone, time.Second).(protocol.ResponseDone)
	if doneMsg.Status != protocol.StatusUpstreamRejected {
		t.Fatalf("status = %q, want %q", doneMsg.Status, protocol.StatusUpstreamRejected)
	}
	h.awaitAbsent(protocol.TypeError, 100*time.Millisecond)
}

func TestVoiceChangeRejectsUnknownVoice(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	h.inbound <- protocol.VoiceChange{Type: protocol.TypeVoiceChange, Voice: "robotic"}
	errMsg := h.await(protocol.TypeError, time.Second).(protocol.ErrorMessage)
	if errMsg.Message == "" {
		t.Fatalf("expected a descriptive rejection message")
	}

	h.link.mu.Lock()
	updates := len(h.link.updates)
	h.link.mu.Unlock()
	if updates != 0 {
		t.Fatalf("session updates = %d, want 0", updates)
	}
}

func TestVoiceChangeValid(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	h.inbound <- protocol.VoiceChange{Type: protocol.TypeVoiceChange, Voice: "coral"}
	changed := h.await(protocol.TypeVoiceChanged, time.Second).(protocol.VoiceChanged)
	if changed.OldVoice != "shimmer" || changed.NewVoice != "coral" {
		t.Fatalf("voice change = %+v", changed)
	}

	h.link.mu.Lock()
	defer h.link.mu.Unlock()
	if len(h.link.updates) != 1 || h.link.updates[0].voice != "coral" {
		t.Fatalf("updates = %+v", h.link.updates)
	}
}

func TestRefreshReassertsCurrentVoice(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	// Park the next retrieval so a voice change can interleave with an
	// in-flight context refresh.
	gate := make(chan struct{})
	h.retriever.mu.Lock()
	h.retriever.gate = gate
	h.retriever.mu.Unlock()

	h.inbound <- protocol.ContextRefresh{Type: protocol.TypeContextRefresh, Query: "что мы обсуждали"}
	waitUntil(t, time.Second, func() bool { return h.retriever.callCount() == 2 })

	h.inbound <- protocol.VoiceChange{Type: protocol.TypeVoiceChange, Voice: "coral"}
	h.await(protocol.TypeVoiceChanged, time.Second)
	close(gate)

	waitUntil(t, time.Second, func() bool {
		h.link.mu.Lock()
		defer h.link.mu.Unlock()
		return len(h.link.updates) == 2
	})
	h.link.mu.Lock()
	last := h.link.updates[len(h.link.updates)-1]
	h.link.mu.Unlock()
	if last.voice != "coral" {
		t.Fatalf("refresh re-asserted voice %q, want coral", last.voice)
	}
	if last.instructions == "" {
		t.Fatalf("refresh update carried no instructions")
	}
}

func TestBareVoiceChangePersistsSkin(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	h.inbound <- protocol.VoiceChange{Type: protocol.TypeVoiceChange, Voice: "coral"}
	h.await(protocol.TypeVoiceChanged, time.Second)

	// The voice maps back to its skin so the choice survives reconnects.
	waitUntil(t, time.Second, func() bool {
		p, err := h.profiles.Get(context.Background(), "u1")
		return err == nil && p.SkinID == 6
	})
}

func TestQuotaExhaustionStaysSilent(t *testing.T) {
	h := newHarness(t)
	h.retriever.mu.Lock()
	h.retriever.result = &rag.Result{Method: "vector", QuotaExceeded: true}
	h.retriever.mu.Unlock()
	h.await(protocol.TypeSessionReady, time.Second)

	h.inbound <- protocol.TextInput{Type: protocol.TypeTextInput, Text: "расскажи про котов"}
	waitUntil(t, time.Second, func() bool {
		h.link.mu.Lock()
		defer h.link.mu.Unlock()
		return len(h.link.texts) == 1
	})

	h.link.events <- realtime.Event{Kind: realtime.KindResponseDone, Status: "completed"}
	doneMsg := h.await(protocol.TypeResponseDone, time.Second).(protocol.ResponseDone)
	if doneMsg.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q, want %q", doneMsg.Status, protocol.StatusCompleted)
	}
	h.awaitAbsent(protocol.TypeError, 100*time.Millisecond)
}

func TestTurnPersistenceWithContextSnapshot(t *testing.T) {
	h := newHarness(t)
	h.retriever.mu.Lock()
	h.retriever.result = &rag.Result{
		Method:       "vector",
		UserSnippets: []rag.Snippet{{Text: "likes cats", Score: 0.9}},
	}
	h.retriever.mu.Unlock()
	h.await(protocol.TypeSessionReady, time.Second)

	h.link.events <- realtime.Event{Kind: realtime.KindTranscription, Role: "user", Text: "расскажи сказку"}
	h.await(protocol.TypeTranscription, time.Second)
	h.link.events <- realtime.Event{Kind: realtime.KindTranscription, Role: "assistant", Text: "жили-были"}
	h.await(protocol.TypeTranscription, time.Second)
	h.link.events <- realtime.Event{Kind: realtime.KindResponseDone, Status: "completed"}
	h.await(protocol.TypeResponseDone, time.Second)

	waitUntil(t, time.Second, func() bool {
		turns, _ := h.sink.Durable.RecentTurns(context.Background(), "u1", 5)
		return len(turns) == 1
	})
	turns, _ := h.sink.Durable.RecentTurns(context.Background(), "u1", 5)
	if turns[0].UserText != "расскажи сказку" || turns[0].AssistantText != "жили-были" {
		t.Fatalf("persisted turn = %+v", turns[0])
	}
	if len(turns[0].Context.UserSnippets) != 1 {
		t.Fatalf("context snapshot missing: %+v", turns[0].Context)
	}

	rolling, _ := h.sink.Rolling.Recent(context.Background(), "u1", 10)
	if len(rolling) != 2 {
		t.Fatalf("rolling entries = %d, want 2", len(rolling))
	}
}

func TestNonMeaningfulTurnNotPersisted(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	h.link.events <- realtime.Event{Kind: realtime.KindTranscription, Role: "user", Text: "..."}
	h.await(protocol.TypeTranscription, time.Second)
	h.link.events <- realtime.Event{Kind: realtime.KindResponseDone, Status: "completed"}

	doneMsg := h.await(protocol.TypeResponseDone, time.Second).(protocol.ResponseDone)
	if doneMsg.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q, want %q", doneMsg.Status, protocol.StatusCompleted)
	}

	turns, _ := h.sink.Durable.RecentTurns(context.Background(), "u1", 5)
	if len(turns) != 0 {
		t.Fatalf("noise turn was persisted: %+v", turns)
	}
	rolling, _ := h.sink.Rolling.Recent(context.Background(), "u1", 10)
	if len(rolling) != 0 {
		t.Fatalf("noise turn reached rolling cache: %+v", rolling)
	}
}

func TestSessionEndRunsCleanup(t *testing.T) {
	h := newHarness(t)
	h.await(protocol.TypeSessionReady, time.Second)

	h.inbound <- protocol.SessionEnd{Type: protocol.TypeSessionEnd}
	h.await(protocol.TypeSessionMetrics, time.Second)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return after session.end")
	}
	if h.link.IsConnected() {
		t.Fatalf("upstream link still connected after cleanup")
	}
	if _, err := h.orch.sessions.Get(h.sess.ID); err != session.ErrNotFound {
		t.Fatalf("session still registered after cleanup: %v", err)
	}
}

func TestUpstreamConnectFailureIsFatal(t *testing.T) {
	link := newFakeLink()
	link.connectErr = context.DeadlineExceeded
	sessions := session.NewManager(time.Minute)

	orch := New(testConfig(), sessions, func() UpstreamLink { return link },
		&fakeRetriever{}, &chatlog.Sink{Rolling: chatlog.NewMemoryRolling(), Durable: chatlog.NewMemoryDurable()},
		profile.NewMemoryStore(), nil, sharedMetrics(), slog.Default())
	orch.sleep = func(context.Context, time.Duration) {}

	sess := sessions.Create("u1", "shimmer")
	outbound := make(chan any, 64)
	err := orch.RunConnection(context.Background(), sess, make(chan any), outbound, func() bool { return true })
	if err == nil {
		t.Fatalf("expected fatal error from connect failure")
	}

	sawError := false
	for len(outbound) > 0 {
		if _, ok := (<-outbound).(protocol.ErrorMessage); ok {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("client was not notified of the fatal startup failure")
	}
}

func TestPreReadyQueueFlushesInOrder(t *testing.T) {
	out := make(chan any, 16)
	c := &conn{
		o:        New(testConfig(), session.NewManager(time.Minute), func() UpstreamLink { return newFakeLink() }, &fakeRetriever{}, nil, profile.NewMemoryStore(), nil, sharedMetrics(), slog.Default()),
		ctx:      context.Background(),
		sess:     &session.Session{ID: "s1"},
		outbound: out,
		probe:    func() bool { return true },
	}
	c.o.sleep = func(context.Context, time.Duration) {}

	c.send(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "a"})
	c.send(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "b"})
	c.send(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "c"})
	if len(out) != 0 {
		t.Fatalf("messages leaked before readiness")
	}

	c.awaitReadiness()
	for _, want := range []string{"a", "b", "c"} {
		msg := (<-out).(protocol.TextDelta)
		if msg.Delta != want {
			t.Fatalf("flush order broken: got %q, want %q", msg.Delta, want)
		}
	}

	// The queue is done for good; later sends go straight through.
	c.send(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "d"})
	if msg := (<-out).(protocol.TextDelta); msg.Delta != "d" {
		t.Fatalf("post-ready send = %q", msg.Delta)
	}
}

func TestPreReadyQueueDropsOverflow(t *testing.T) {
	c := &conn{
		o:        New(testConfig(), session.NewManager(time.Minute), func() UpstreamLink { return newFakeLink() }, &fakeRetriever{}, nil, profile.NewMemoryStore(), nil, sharedMetrics(), slog.Default()),
		ctx:      context.Background(),
		sess:     &session.Session{ID: "s1"},
		outbound: make(chan any, 32),
	}
	for i := 0; i < preReadyQueueMax+5; i++ {
		c.send(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "x"})
	}
	if len(c.preReady) != preReadyQueueMax {
		t.Fatalf("queue length = %d, want %d", len(c.preReady), preReadyQueueMax)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
