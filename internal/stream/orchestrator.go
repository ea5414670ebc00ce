// Package stream binds one client websocket to one upstream voice link
// and runs the per-session conversation state machine: handshake, audio
// admission, context refresh, transcript assembly and turn persistence.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aura-voice/aura/internal/audio"
	"github.com/aura-voice/aura/internal/chatlog"
	"github.com/aura-voice/aura/internal/config"
	"github.com/aura-voice/aura/internal/observability"
	"github.com/aura-voice/aura/internal/profile"
	"github.com/aura-voice/aura/internal/protocol"
	"github.com/aura-voice/aura/internal/rag"
	"github.com/aura-voice/aura/internal/realtime"
	"github.com/aura-voice/aura/internal/session"
	"github.com/aura-voice/aura/internal/voices"
)

const (
	readinessAttempts = 20
	readinessInterval = 50 * time.Millisecond

	// preReadyQueueMax bounds messages buffered before handshake
	// readiness; overflow is dropped with a warning.
	preReadyQueueMax = 10

	rollingFetchLimit  = 10
	persistTimeout     = 2 * time.Second
	extractionTimeout  = 10 * time.Second
	refreshWaitTimeout = 2 * time.Second
)

// UpstreamLink is the session's view of the realtime connection.
type UpstreamLink interface {
	Connect(ctx context.Context, sc realtime.SessionConfig) error
	Events() <-chan realtime.Event
	IsConnected() bool
	AppendAudio(audioBase64 string) error
	Commit() error
	ClearBuffer() error
	SendUserText(text string) error
	CreateResponse(ov realtime.ResponseOverrides) error
	CancelResponse() error
	UpdateSession(instructions, voice string) error
	Disconnect() error
}

// LinkFactory builds one fresh upstream link per session.
type LinkFactory func() UpstreamLink

// ReadinessProbe reports whether the client transport has settled enough
// to receive messages.
type ReadinessProbe func() bool

type Orchestrator struct {
	cfg       config.Config
	sessions  *session.Manager
	newLink   LinkFactory
	retriever rag.Retriever
	sink      *chatlog.Sink
	profiles  profile.Store
	updater   *profile.Updater
	metrics   *observability.Metrics
	logger    *slog.Logger

	// sleep is the grace-period delay; injectable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

func New(cfg config.Config, sessions *session.Manager, newLink LinkFactory, retriever rag.Retriever, sink *chatlog.Sink, profiles profile.Store, updater *profile.Updater, metrics *observability.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		sessions:  sessions,
		newLink:   newLink,
		retriever: retriever,
		sink:      sink,
		profiles:  profiles,
		updater:   updater,
		metrics:   metrics,
		logger:    logger,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// sessionCounters are per-session observability totals, reported to the
// client once at teardown.
type sessionCounters struct {
	ChunksReceived  int64
	TurnsCompleted  int64
	ContextLookups  int64
	CommitsAccepted int64
	CommitsRejected int64
}

func (c sessionCounters) snapshot() map[string]int64 {
	return map[string]int64{
		"chunks_received":  c.ChunksReceived,
		"turns_completed":  c.TurnsCompleted,
		"context_lookups":  c.ContextLookups,
		"commits_accepted": c.CommitsAccepted,
		"commits_rejected": c.CommitsRejected,
	}
}

// conn is the per-connection state. All fields are mutated only from the
// session's own goroutine; background refreshes touch nothing here and
// talk to the link directly.
type conn struct {
	o    *Orchestrator
	ctx  context.Context
	sess *session.Session

	inbound  <-chan any
	outbound chan<- any
	probe    ReadinessProbe

	link    UpstreamLink
	tracker *audio.AdmissionTracker

	// voice is read by refresh goroutines at send time, so it gets its
	// own lock; everything else stays main-goroutine-only.
	voiceMu sync.Mutex
	voice   string

	instructions string
	userProfile  *profile.Profile
	lastContext  *rag.Result

	// pendingCommits counts commit requests that arrived while an earlier
	// one was waiting out its grace period; each still owes the client a
	// terminal notice.
	pendingCommits int

	userTranscript      strings.Builder
	assistantTranscript strings.Builder

	ready        bool
	preReady     []any
	welcomeSent  bool
	clientGone   bool
	upstreamGone bool

	counters    sessionCounters
	refreshWG   sync.WaitGroup
	cleanupOnce sync.Once
}

// RunConnection drives one session from handshake to teardown. It returns
// when the client disconnects, the upstream link dies, the session is
// ended explicitly, or startup fails.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any, probe ReadinessProbe) error {
	c := &conn{
		o:        o,
		ctx:      ctx,
		sess:     sess,
		inbound:  inbound,
		outbound: outbound,
		probe:    probe,
		link:     o.newLink(),
		tracker:  audio.NewAdmissionTracker(),
		voice:    o.cfg.DefaultVoice,
	}
	defer c.cleanup()

	if err := c.startup(); err != nil {
		return err
	}
	c.run()
	return nil
}

// startup runs the fixed opening sequence: readiness, instructions,
// voice, upstream connect, ready notification.
func (c *conn) startup() error {
	c.awaitReadiness()
	c.send(protocol.SessionConnecting{Type: protocol.TypeSessionConnecting, SessionID: c.sess.ID, Status: "preparing"})

	c.prepareInstructions()
	c.resolveVoice()

	if err := c.o.sessions.Transition(c.sess.ID, session.StateReady); err != nil {
		c.o.logger.Warn("session transition failed", "session_id", c.sess.ID, "error", err)
	}

	connectCtx, cancel := context.WithTimeout(c.ctx, c.o.cfg.UpstreamConnectTimeout)
	defer cancel()
	err := c.link.Connect(connectCtx, realtime.SessionConfig{
		Instructions: c.instructions,
		Voice:        c.currentVoice(),
		Language:     c.o.cfg.TranscriptionLanguage,
	})
	if err != nil {
		// Fatal: without the upstream link there is no session.
		c.o.logger.Error("upstream connect failed", "session_id", c.sess.ID, "error", err)
		c.o.metrics.SessionEvents.WithLabelValues("upstream_connect_failed").Inc()
		c.send(protocol.ErrorMessage{Type: protocol.TypeError, Message: "voice service unavailable"})
		return err
	}

	if err := c.o.sessions.Transition(c.sess.ID, session.StateActive); err != nil {
		c.o.logger.Warn("session transition failed", "session_id", c.sess.ID, "error", err)
	}
	c.send(protocol.SessionReady{
		Type:      protocol.TypeSessionReady,
		SessionID: c.sess.ID,
		Model:     c.o.cfg.OpenAIRealtimeModel,
		Voice:     c.currentVoice(),
		Status:    "connected",
	})
	c.o.metrics.SessionEvents.WithLabelValues("started").Inc()
	return nil
}

// run is the main loop: client messages and upstream events interleave on
// one goroutine so session state never needs a lock.
func (c *conn) run() {
	var welcomeCh <-chan time.Time
	if c.userProfile != nil && c.userProfile.IsGuest() {
		timer := time.NewTimer(c.o.cfg.WelcomeDelay)
		defer timer.Stop()
		welcomeCh = timer.C
	}

	for {
		if c.clientGone || c.upstreamGone {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.inbound:
			if !ok {
				// Client went away; expected, not an error.
				c.clientGone = true
				return
			}
			if done := c.handleClient(msg); done {
				return
			}
		case ev, ok := <-c.link.Events():
			if !ok {
				c.upstreamGone = true
				return
			}
			c.handleUpstream(ev)
		case <-welcomeCh:
			welcomeCh = nil
			c.sendWelcome()
		}
	}
}

// awaitReadiness polls the transport probe a bounded number of times,
// then flushes any queued messages. Exhausting the attempts is not fatal.
func (c *conn) awaitReadiness() {
	for attempt := 0; attempt < readinessAttempts; attempt++ {
		if c.probe == nil || c.probe() {
			break
		}
		c.o.sleep(c.ctx, readinessInterval)
	}
	c.ready = true
	for _, msg := range c.preReady {
		c.deliver(msg)
	}
	c.preReady = nil
}

// send delivers a message to the client, queueing it while the handshake
// has not settled yet.
func (c *conn) send(msg any) {
	if !c.ready {
		if len(c.preReady) >= preReadyQueueMax {
			t, _ := protocol.TypeOf(msg)
			c.o.logger.Warn("pre-ready queue full, dropping message", "session_id", c.sess.ID, "type", t)
			return
		}
		c.preReady = append(c.preReady, msg)
		return
	}
	c.deliver(msg)
}

func (c *conn) deliver(msg any) {
	select {
	case c.outbound <- msg:
	case <-c.ctx.Done():
	default:
		t, _ := protocol.TypeOf(msg)
		c.o.logger.Warn("outbound channel saturated, dropping message", "session_id", c.sess.ID, "type", t)
	}
}

// prepareInstructions builds the initial system prompt from profile,
// rolling history and a best-effort context lookup. On timeout or error
// the session starts with the minimal default prompt instead of failing.
func (c *conn) prepareInstructions() {
	ctx, cancel := context.WithTimeout(c.ctx, c.o.cfg.InstructionTimeout)
	defer cancel()

	c.instructions = defaultInstructions

	p, err := c.o.profiles.Get(ctx, c.sess.UserID)
	if err != nil {
		c.o.logger.Warn("profile lookup failed, using defaults", "user_id", c.sess.UserID, "error", err)
		p = nil
	}
	c.userProfile = p

	var history []chatlog.Entry
	if c.o.sink != nil && c.o.sink.Rolling != nil {
		history, err = c.o.sink.Rolling.Recent(ctx, c.sess.UserID, rollingFetchLimit)
		if err != nil {
			c.o.logger.Warn("rolling history fetch failed", "user_id", c.sess.UserID, "error", err)
		}
	}

	var initial *rag.Result
	if c.o.retriever != nil {
		initial, err = c.o.retriever.Retrieve(ctx, c.sess.UserID, initialContextQuery)
		if err != nil {
			c.o.metrics.ContextLookups.WithLabelValues("failed").Inc()
			c.o.logger.Warn("initial context lookup failed", "user_id", c.sess.UserID, "error", err)
			initial = nil
		} else {
			c.recordLookup(initial)
		}
	}
	c.lastContext = initial

	c.instructions = buildInstructions(p, history, initial)
}

// currentVoice is the only way refresh goroutines may read the voice;
// re-reading it at send time keeps a concurrent voice change from being
// clobbered by a stale capture.
func (c *conn) currentVoice() string {
	c.voiceMu.Lock()
	defer c.voiceMu.Unlock()
	return c.voice
}

func (c *conn) setVoice(v string) {
	c.voiceMu.Lock()
	c.voice = v
	c.voiceMu.Unlock()
}

// resolveVoice picks the session voice from the stored skin choice,
// falling back to the configured default.
func (c *conn) resolveVoice() {
	if c.userProfile != nil && c.userProfile.SkinID != 0 {
		if skin, err := voices.ResolveSkin(c.userProfile.SkinID); err == nil {
			c.setVoice(skin.Voice)
			return
		}
	}
	if !voices.IsValidVoice(c.currentVoice()) {
		c.setVoice("shimmer")
	}
}

// sendWelcome asks the upstream for the one-shot onboarding greeting.
func (c *conn) sendWelcome() {
	if c.welcomeSent {
		return
	}
	c.welcomeSent = true

	err := c.link.CreateResponse(realtime.ResponseOverrides{
		Instructions: welcomeInstructions,
	})
	if err != nil {
		c.o.logger.Warn("welcome response failed", "session_id", c.sess.ID, "error", err)
		return
	}
	c.o.metrics.SessionEvents.WithLabelValues("welcome_sent").Inc()
}

func (c *conn) recordLookup(res *rag.Result) {
	c.counters.ContextLookups++
	outcome := "hit"
	if res.QuotaExceeded {
		outcome = "quota_exceeded"
	} else if res.Empty() {
		outcome = "empty"
	}
	c.o.metrics.ContextLookups.WithLabelValues(outcome).Inc()
}

// cleanup releases everything exactly once. Safe to call from any error
// path; later calls are no-ops.
func (c *conn) cleanup() {
	c.cleanupOnce.Do(func() {
		if err := c.o.sessions.Transition(c.sess.ID, session.StateClosing); err != nil {
			c.o.logger.Debug("closing transition", "session_id", c.sess.ID, "error", err)
		}

		// Best-effort: the socket may already be gone.
		c.send(protocol.SessionMetrics{Type: protocol.TypeSessionMetrics, Metrics: c.counters.snapshot()})

		if err := c.link.Disconnect(); err != nil {
			c.o.logger.Debug("upstream disconnect", "session_id", c.sess.ID, "error", err)
		}
		c.tracker.Reset()

		// Give in-flight refreshes a bounded window to finish; they guard
		// every upstream call with a liveness check so a straggler is safe.
		done := make(chan struct{})
		go func() {
			c.refreshWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(refreshWaitTimeout):
			c.o.logger.Warn("context refresh still running at teardown", "session_id", c.sess.ID)
		}

		if err := c.o.sessions.Transition(c.sess.ID, session.StateClosed); err != nil {
			c.o.logger.Debug("closed transition", "session_id", c.sess.ID, "error", err)
		}
		c.o.sessions.Remove(c.sess.ID)
		c.o.metrics.ActiveSessions.Set(float64(c.o.sessions.ActiveCount()))
		c.o.metrics.SessionEvents.WithLabelValues("closed").Inc()
		c.o.logger.Info("session closed",
			"session_id", c.sess.ID,
			"turns", c.counters.TurnsCompleted,
			"chunks", c.counters.ChunksReceived)
	})
}
