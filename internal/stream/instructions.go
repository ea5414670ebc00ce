package stream

import (
	"fmt"
	"strings"

	"github.com/aura-voice/aura/internal/chatlog"
	"github.com/aura-voice/aura/internal/profile"
	"github.com/aura-voice/aura/internal/rag"
)

const defaultInstructions = `You are Aura, a warm and playful voice companion. Keep replies short and conversational, ask follow-up questions, and always answer in the language the user speaks to you.`

// initialContextQuery seeds the best-effort lookup at session start,
// before any user utterance exists to key on.
const initialContextQuery = "who is this user and what do they like"

const welcomeInstructions = `Warmly greet the user as if meeting a new friend. Introduce yourself briefly, then ask for their name. Keep it to two short sentences.`

// historyRenderLimit caps how many rolling entries land in the prompt.
const historyRenderLimit = 6

// buildInstructions assembles the system prompt: persona, known profile
// facts (or an onboarding section for guests), recent history and
// retrieved context. Nil arguments simply omit their section.
func buildInstructions(p *profile.Profile, history []chatlog.Entry, context *rag.Result) string {
	var b strings.Builder
	b.WriteString(defaultInstructions)

	if p != nil {
		if p.IsGuest() {
			b.WriteString("\n\nYou don't know the user yet. Naturally work their name and age into the conversation, one question at a time. Never interrogate.")
		}
		var facts []string
		if p.Name != "" {
			facts = append(facts, "name: "+p.Name)
		}
		if p.Age != 0 {
			facts = append(facts, fmt.Sprintf("age: %d", p.Age))
		}
		if p.Gender != "" {
			facts = append(facts, "gender: "+p.Gender)
		}
		if len(facts) > 0 {
			b.WriteString("\n\nAbout the user: ")
			b.WriteString(strings.Join(facts, ", "))
			b.WriteString(". Use their name occasionally, the way a friend would.")
		}
	}

	if len(history) > 0 {
		start := 0
		if len(history) > historyRenderLimit {
			start = len(history) - historyRenderLimit
		}
		b.WriteString("\n\nRecent conversation:")
		for _, e := range history[start:] {
			speaker := "User"
			if e.Role == "assistant" {
				speaker = "You"
			}
			b.WriteString("\n")
			b.WriteString(speaker)
			b.WriteString(": ")
			b.WriteString(e.Text)
		}
	}

	if context != nil {
		if block := context.ContextBlock(); block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
	}

	return b.String()
}
