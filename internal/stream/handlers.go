package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aura-voice/aura/internal/audio"
	"github.com/aura-voice/aura/internal/policy"
	"github.com/aura-voice/aura/internal/protocol"
	"github.com/aura-voice/aura/internal/rag"
	"github.com/aura-voice/aura/internal/realtime"
	"github.com/aura-voice/aura/internal/voices"
)

// handleClient processes one parsed client message to completion. The
// returned bool reports that the session should end.
func (c *conn) handleClient(msg any) bool {
	if err := c.o.sessions.Touch(c.sess.ID); err != nil {
		c.o.logger.Debug("touch session", "session_id", c.sess.ID, "error", err)
	}

	switch m := msg.(type) {
	case protocol.AudioAppend:
		c.handleAudioAppend(m)
	case protocol.AudioCommit:
		c.handleAudioCommit()
	case protocol.TextInput:
		c.handleTextInput(m)
	case protocol.ContextRefresh:
		c.handleContextRefresh(m)
	case protocol.VoiceChange:
		c.handleVoiceChange(m)
	case protocol.SessionEnd:
		c.o.logger.Info("client requested session end", "session_id", c.sess.ID)
		return true
	default:
		t, _ := protocol.TypeOf(msg)
		c.o.logger.Warn("ignoring unknown client message", "session_id", c.sess.ID, "type", t)
	}
	return false
}

func (c *conn) handleAudioAppend(m protocol.AudioAppend) {
	raw, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		c.o.logger.Warn("undecodable audio chunk", "session_id", c.sess.ID, "error", err)
		return
	}
	if !c.guardLink() {
		return
	}

	c.tracker.RecordChunk(len(raw))
	if err := c.link.AppendAudio(m.Audio); err != nil {
		c.o.logger.Warn("append audio to upstream failed", "session_id", c.sess.ID, "error", err)
		return
	}

	c.counters.ChunksReceived++
	c.o.metrics.AudioChunks.Inc()
	c.send(protocol.AudioReceived{Type: protocol.TypeAudioReceived, ChunkID: m.ChunkID})
}

// handleAudioCommit runs the admission pipeline: pure evaluation, then
// the grace wait, then either a soft rejection notice or an upstream
// commit. The tracker is reset on every path.
func (c *conn) handleAudioCommit() {
	if !c.guardLink() {
		c.tracker.Reset()
		return
	}

	verdict := c.tracker.EvaluateCommit()
	if verdict.Decision == audio.DecisionEmpty {
		c.o.metrics.AudioCommits.WithLabelValues("empty").Inc()
		c.counters.CommitsRejected++
		c.send(protocol.ResponseDone{Type: protocol.TypeResponseDone, Status: protocol.StatusNoAudio, Message: "no audio captured"})
		c.tracker.Reset()
		return
	}

	// Absorb chunks still in flight before re-checking the buffer.
	c.waitGrace(verdict.Grace)
	if c.clientGone || c.upstreamGone {
		c.tracker.Reset()
		return
	}

	switch c.tracker.EvaluateAfterGrace() {
	case audio.DecisionInsufficient:
		snap := c.tracker.Snapshot()
		c.o.logger.Info("commit below minimum duration",
			"session_id", c.sess.ID, "duration_ms", snap.Duration.Milliseconds(), "chunks", snap.Chunks)
		c.o.metrics.AudioCommits.WithLabelValues("insufficient").Inc()
		c.counters.CommitsRejected++
		c.send(protocol.ResponseDone{Type: protocol.TypeResponseDone, Status: protocol.StatusInsufficientAudio, Message: "recording too short"})
	case audio.DecisionReady:
		if err := c.link.Commit(); err != nil {
			c.o.logger.Warn("upstream commit failed", "session_id", c.sess.ID, "error", err)
			c.o.metrics.AudioCommits.WithLabelValues("failed").Inc()
			c.send(protocol.ResponseDone{Type: protocol.TypeResponseDone, Status: protocol.StatusError, Message: "voice service unavailable"})
		} else {
			c.o.metrics.AudioCommits.WithLabelValues("accepted").Inc()
			c.counters.CommitsAccepted++
			if err := c.link.CreateResponse(realtime.ResponseOverrides{}); err != nil {
				c.o.logger.Warn("response request failed", "session_id", c.sess.ID, "error", err)
			}
		}
	}
	c.tracker.Reset()
	c.flushPendingCommits()
}

// flushPendingCommits answers commits that arrived during the grace
// window. The evaluation that just finished consumed the buffer, so each
// one terminates as an empty commit.
func (c *conn) flushPendingCommits() {
	for c.pendingCommits > 0 {
		c.pendingCommits--
		c.o.metrics.AudioCommits.WithLabelValues("empty").Inc()
		c.counters.CommitsRejected++
		c.send(protocol.ResponseDone{Type: protocol.TypeResponseDone, Status: protocol.StatusNoAudio, Message: "no audio captured"})
	}
}

// waitGrace sleeps out the grace period while still consuming inbound
// traffic, so late audio chunks land in the tracker before the re-check.
func (c *conn) waitGrace(d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-deadline.C:
			return
		case msg, ok := <-c.inbound:
			if !ok {
				c.clientGone = true
				return
			}
			if _, dup := msg.(protocol.AudioCommit); dup {
				// Queued, not dropped: every commit owes the client its own
				// terminal notice.
				c.o.logger.Debug("duplicate commit during grace period", "session_id", c.sess.ID)
				c.pendingCommits++
				continue
			}
			if done := c.handleClient(msg); done {
				c.clientGone = true
				return
			}
		case ev, ok := <-c.link.Events():
			if !ok {
				c.upstreamGone = true
				return
			}
			c.handleUpstream(ev)
		}
	}
}

func (c *conn) handleTextInput(m protocol.TextInput) {
	text := policy.CleanMessage(m.Text)
	if text == "" {
		c.o.logger.Debug("dropping non-meaningful text input", "session_id", c.sess.ID)
		return
	}
	if !c.guardLink() {
		return
	}

	c.userTranscript.Reset()
	c.userTranscript.WriteString(text)

	// Context refresh rides alongside the turn; the reply does not wait
	// for it.
	c.spawnRefresh(text, protocol.TypeContextUpdated)

	if err := c.link.SendUserText(text); err != nil {
		c.o.logger.Warn("send user text failed", "session_id", c.sess.ID, "error", err)
		c.send(protocol.ErrorMessage{Type: protocol.TypeError, Message: "voice service unavailable"})
		return
	}
	if err := c.link.CreateResponse(realtime.ResponseOverrides{}); err != nil {
		c.o.logger.Warn("response request failed", "session_id", c.sess.ID, "error", err)
	}
}

func (c *conn) handleContextRefresh(m protocol.ContextRefresh) {
	query := policy.CleanMessage(m.Query)
	if query == "" {
		query = initialContextQuery
	}
	c.spawnRefresh(query, protocol.TypeContextRefreshed)
}

// spawnRefresh runs retrieval off the main loop and pushes the refreshed
// instructions upstream. Failures, including quota exhaustion, degrade
// silently; the conversation continues with stale context.
func (c *conn) spawnRefresh(query string, notifyType protocol.MessageType) {
	o := c.o
	sessID := c.sess.ID
	userID := c.sess.UserID
	prof := c.userProfile
	link := c.link

	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()

		ctx, cancel := context.WithTimeout(c.ctx, o.cfg.InstructionTimeout)
		defer cancel()

		result, err := o.retriever.Retrieve(ctx, userID, query)
		if err != nil {
			o.metrics.ContextLookups.WithLabelValues("failed").Inc()
			o.logger.Warn("context refresh failed", "session_id", sessID, "error", err)
			return
		}
		o.metrics.ContextLookups.WithLabelValues(lookupOutcome(result)).Inc()
		if result.QuotaExceeded {
			o.logger.Warn("context refresh degraded, quota exceeded", "session_id", sessID)
			return
		}

		// The link may have died while we were retrieving.
		if !link.IsConnected() {
			return
		}
		refreshed := buildInstructions(prof, nil, result)
		// The voice is re-read at send time so an interleaved voice change
		// is never clobbered by this update.
		if err := link.UpdateSession(refreshed, c.currentVoice()); err != nil {
			if !errors.Is(err, realtime.ErrNotConnected) {
				o.logger.Warn("instruction update failed", "session_id", sessID, "error", err)
			}
			return
		}

		c.notifyContext(result, notifyType)
	}()
}

func lookupOutcome(res *rag.Result) string {
	switch {
	case res.QuotaExceeded:
		return "quota_exceeded"
	case res.Empty():
		return "empty"
	default:
		return "hit"
	}
}

// notifyContext forwards the top-ranked snippets to the client. Called
// from refresh goroutines; deliver is channel-send only, so this is safe
// off the main loop.
func (c *conn) notifyContext(result *rag.Result, notifyType protocol.MessageType) {
	user := toProtocolSnippets(result.UserSnippets)
	app := toProtocolSnippets(result.AppSnippets)

	switch notifyType {
	case protocol.TypeContextRefreshed:
		c.deliver(protocol.ContextRefreshed{
			Type:            protocol.TypeContextRefreshed,
			UserContext:     user,
			AppContext:      app,
			RetrievalMethod: result.Method,
		})
	default:
		c.deliver(protocol.ContextUpdated{
			Type:            protocol.TypeContextUpdated,
			UserContext:     user,
			AppContext:      app,
			RetrievalMethod: result.Method,
			Query:           result.Query,
		})
	}
}

func toProtocolSnippets(in []rag.Snippet) []protocol.Snippet {
	out := make([]protocol.Snippet, 0, len(in))
	for _, s := range in {
		out = append(out, protocol.Snippet{Text: s.Text, Score: s.Score})
	}
	return out
}

// handleVoiceChange validates against the fixed catalogue before touching
// any state; invalid requests are rejected client-visibly.
func (c *conn) handleVoiceChange(m protocol.VoiceChange) {
	newVoice := m.Voice
	if newVoice == "" && m.SkinID != 0 {
		skin, err := voices.ResolveSkin(m.SkinID)
		if err != nil {
			c.send(protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
			return
		}
		newVoice = skin.Voice
	}
	if !voices.IsValidVoice(newVoice) {
		c.send(protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("invalid voice %q, valid voices: %s", newVoice, voices.ValidVoiceList()),
		})
		return
	}
	if !c.guardLink() {
		return
	}

	oldVoice := c.currentVoice()
	c.setVoice(newVoice)
	if err := c.link.UpdateSession("", newVoice); err != nil {
		c.setVoice(oldVoice)
		c.send(protocol.ErrorMessage{Type: protocol.TypeError, Message: "voice service unavailable"})
		return
	}

	if err := c.o.sessions.SetVoice(c.sess.ID, newVoice); err != nil {
		c.o.logger.Debug("record session voice", "session_id", c.sess.ID, "error", err)
	}
	// Best-effort persistence; the in-session switch stands regardless.
	// A bare voice request maps back to its skin so the preference
	// survives reconnects either way.
	skinID := m.SkinID
	if skinID == 0 {
		if skin, ok := voices.SkinForVoice(newVoice); ok {
			skinID = skin.ID
		}
	}
	if skinID != 0 {
		ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
		if err := c.o.profiles.SetSkin(ctx, c.sess.UserID, skinID); err != nil {
			c.o.logger.Warn("persist skin choice failed", "user_id", c.sess.UserID, "error", err)
		}
		cancel()
	}

	c.send(protocol.VoiceChanged{Type: protocol.TypeVoiceChanged, OldVoice: oldVoice, NewVoice: newVoice})
	c.o.logger.Info("voice changed", "session_id", c.sess.ID, "from", oldVoice, "to", newVoice)
}

// guardLink answers client input with a not-ready notice when the
// upstream link is down instead of silently dropping it.
func (c *conn) guardLink() bool {
	if c.link.IsConnected() {
		return true
	}
	c.send(protocol.ErrorMessage{Type: protocol.TypeError, Message: "session not ready"})
	return false
}
