package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/aura-voice/aura/internal/chatlog"
	"github.com/aura-voice/aura/internal/policy"
	"github.com/aura-voice/aura/internal/protocol"
	"github.com/aura-voice/aura/internal/rag"
	"github.com/aura-voice/aura/internal/realtime"
)

// handleUpstream relays one upstream event to the client and drives the
// transcript/persistence side effects.
func (c *conn) handleUpstream(ev realtime.Event) {
	c.o.metrics.UpstreamEvents.WithLabelValues(ev.Kind.String()).Inc()

	switch ev.Kind {
	case realtime.KindSessionCreated:
		c.o.logger.Info("upstream session negotiated", "session_id", c.sess.ID, "upstream_id", ev.SessionID)
	case realtime.KindSessionUpdated:
		c.o.logger.Debug("upstream session updated", "session_id", c.sess.ID)

	case realtime.KindTranscription:
		c.handleTranscription(ev)

	case realtime.KindTextDelta:
		c.send(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: ev.Delta})

	case realtime.KindAudioDelta:
		c.send(protocol.AudioDelta{
			Type:    protocol.TypeAudioDelta,
			Audio:   ev.AudioBase64,
			ChunkID: fmt.Sprintf("%s_%d_%d", c.sess.ID, time.Now().UnixMilli(), len(ev.AudioBase64)),
		})

	case realtime.KindTextDone, realtime.KindAudioDone:
		// Per-modality completion; the turn closes on response.done.

	case realtime.KindResponseDone:
		c.completeTurn(ev.Status)

	case realtime.KindSpeechStarted:
		c.o.logger.Debug("speech started", "session_id", c.sess.ID)
	case realtime.KindSpeechStopped:
		c.o.logger.Debug("speech stopped", "session_id", c.sess.ID)
	case realtime.KindBufferCommitted:
		c.o.logger.Debug("upstream buffer committed", "session_id", c.sess.ID)

	case realtime.KindBufferRejected:
		// Validation gap: the tracker passed the commit but the upstream
		// still judged it too short. Same soft outcome as a local
		// insufficiency, never a user-visible error.
		c.o.metrics.AudioCommits.WithLabelValues("upstream_rejected").Inc()
		c.counters.CommitsRejected++
		c.send(protocol.ResponseDone{Type: protocol.TypeResponseDone, Status: protocol.StatusUpstreamRejected, Message: "recording too short"})
		c.tracker.Reset()

	case realtime.KindError:
		c.o.logger.Error("upstream error", "session_id", c.sess.ID, "code", ev.ErrCode, "message", ev.ErrMessage)
		c.send(protocol.ErrorMessage{Type: protocol.TypeError, Message: ev.ErrMessage})

	case realtime.KindDisconnected:
		c.o.logger.Warn("upstream link lost", "session_id", c.sess.ID)
		c.send(protocol.ErrorMessage{Type: protocol.TypeError, Message: "voice service disconnected"})
		c.upstreamGone = true
	}
}

func (c *conn) handleTranscription(ev realtime.Event) {
	switch ev.Role {
	case "user":
		if c.userTranscript.Len() > 0 {
			c.userTranscript.WriteByte(' ')
		}
		c.userTranscript.WriteString(ev.Text)
		// A fresh utterance is the best retrieval key we have.
		if policy.IsMeaningful(ev.Text) {
			c.spawnRefresh(policy.CleanMessage(ev.Text), protocol.TypeContextUpdated)
		}
	case "assistant":
		c.assistantTranscript.WriteString(ev.Text)
	}
	c.send(protocol.Transcription{Type: protocol.TypeTranscription, Text: ev.Text, Role: ev.Role})
}

// completeTurn runs the persistence pipeline for one finished exchange.
// Every step is best-effort; the client gets its response.done no matter
// what fails, because a stuck processing indicator is worse than a lost
// chat record.
func (c *conn) completeTurn(upstreamStatus string) {
	userText := policy.CleanMessage(c.userTranscript.String())
	assistantText := policy.CleanMessage(c.assistantTranscript.String())

	if policy.IsMeaningful(userText) {
		c.extractProfileFacts(userText, assistantText)
		c.persistTurn(userText, assistantText)
		c.counters.TurnsCompleted++
		c.o.metrics.Turns.WithLabelValues("completed").Inc()
	} else if userText != "" || assistantText != "" {
		c.o.logger.Debug("skipping persistence for non-meaningful turn", "session_id", c.sess.ID)
		c.o.metrics.Turns.WithLabelValues("skipped").Inc()
	}

	status := protocol.StatusCompleted
	if upstreamStatus == "cancelled" || upstreamStatus == "failed" {
		c.o.logger.Info("turn ended without completion", "session_id", c.sess.ID, "upstream_status", upstreamStatus)
	}
	c.send(protocol.ResponseDone{Type: protocol.TypeResponseDone, Status: status})

	c.userTranscript.Reset()
	c.assistantTranscript.Reset()
}

// extractProfileFacts runs the profile update off the main loop; a
// completed extraction pushes rebuilt instructions upstream.
func (c *conn) extractProfileFacts(userText, assistantText string) {
	if c.o.updater == nil {
		return
	}

	o := c.o
	sessID := c.sess.ID
	userID := c.sess.UserID
	link := c.link

	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()

		ctx, cancel := context.WithTimeout(c.ctx, extractionTimeout)
		defer cancel()

		updated, changed, err := o.updater.UpdateFromTurn(ctx, userID, userText, assistantText)
		if err != nil {
			o.logger.Warn("profile extraction failed", "session_id", sessID, "error", err)
			return
		}
		if len(changed) == 0 {
			return
		}

		c.deliver(protocol.ProfileUpdated{
			Type:   protocol.TypeProfileUpdated,
			Name:   updated.Name,
			Age:    updated.Age,
			Gender: updated.Gender,
		})

		// The companion should start using the new facts right away.
		if !link.IsConnected() {
			return
		}
		if err := link.UpdateSession(buildInstructions(updated, nil, nil), c.currentVoice()); err != nil {
			o.logger.Debug("instruction rebuild after extraction failed", "session_id", sessID, "error", err)
		}
	}()
}

// persistTurn appends to the rolling cache and the durable log. Failures
// are logged and counted, never surfaced to the client.
func (c *conn) persistTurn(userText, assistantText string) {
	if c.o.sink == nil {
		return
	}
	now := time.Now().UTC()

	if c.o.sink.Rolling != nil {
		ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
		if err := c.o.sink.Rolling.Append(ctx, c.sess.UserID, "user", userText, now); err != nil {
			c.o.metrics.PersistenceFailures.WithLabelValues("rolling").Inc()
			c.o.logger.Warn("rolling append failed", "session_id", c.sess.ID, "error", err)
		}
		if assistantText != "" {
			if err := c.o.sink.Rolling.Append(ctx, c.sess.UserID, "assistant", assistantText, now); err != nil {
				c.o.metrics.PersistenceFailures.WithLabelValues("rolling").Inc()
				c.o.logger.Warn("rolling append failed", "session_id", c.sess.ID, "error", err)
			}
		}
		cancel()
	}

	if c.o.sink.Durable != nil {
		ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
		record := chatlog.TurnRecord{
			UserID:        c.sess.UserID,
			SessionID:     c.sess.ID,
			UserText:      userText,
			AssistantText: assistantText,
			Context:       contextSnapshot(c.lastContext),
			CreatedAt:     now,
		}
		if err := c.o.sink.Durable.AppendTurn(ctx, record); err != nil {
			c.o.metrics.PersistenceFailures.WithLabelValues("durable").Inc()
			c.o.logger.Warn("durable append failed", "session_id", c.sess.ID, "error", err)
		}
		cancel()
	}
}

func contextSnapshot(res *rag.Result) chatlog.ContextSnapshot {
	if res == nil {
		return chatlog.ContextSnapshot{}
	}
	snap := chatlog.ContextSnapshot{Method: res.Method, Query: res.Query}
	for _, s := range res.UserSnippets {
		snap.UserSnippets = append(snap.UserSnippets, s.Text)
	}
	for _, s := range res.AppSnippets {
		snap.AppSnippets = append(snap.AppSnippets, s.Text)
	}
	return snap
}
