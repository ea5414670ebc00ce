package chatlog

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryRollingAppendRecent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRolling()

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := m.Append(ctx, "u1", role, fmt.Sprintf("msg-%d", i), time.Time{}); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}

	got, err := m.Recent(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("Recent error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Chronological order, most recent last.
	if got[0].Text != "msg-2" || got[2].Text != "msg-4" {
		t.Fatalf("unexpected window: %+v", got)
	}
	if got[2].Timestamp.IsZero() {
		t.Fatalf("timestamp should be defaulted")
	}
}

func TestMemoryRollingCapsHistory(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRolling()

	for i := 0; i < rollingCap+20; i++ {
		if err := m.Append(ctx, "u1", "user", fmt.Sprintf("msg-%d", i), time.Time{}); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}

	got, err := m.Recent(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("Recent error = %v", err)
	}
	if len(got) != rollingCap {
		t.Fatalf("len = %d, want %d", len(got), rollingCap)
	}
	if got[len(got)-1].Text != fmt.Sprintf("msg-%d", rollingCap+19) {
		t.Fatalf("newest entry = %q", got[len(got)-1].Text)
	}
}

func TestMemoryRollingIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRolling()

	_ = m.Append(ctx, "u1", "user", "hello", time.Time{})
	got, err := m.Recent(ctx, "u2", 10)
	if err != nil {
		t.Fatalf("Recent error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries for other user, got %+v", got)
	}
}

func TestMemoryDurableRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()

	err := d.AppendTurn(ctx, TurnRecord{
		UserID:        "u1",
		SessionID:     "s1",
		UserText:      "как дела?",
		AssistantText: "отлично!",
		Context:       ContextSnapshot{UserSnippets: []string{"likes cats"}, Method: "vector"},
	})
	if err != nil {
		t.Fatalf("AppendTurn error = %v", err)
	}

	got, err := d.RecentTurns(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("RecentTurns error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("record not defaulted: %+v", got[0])
	}
	if got[0].Context.Method != "vector" {
		t.Fatalf("context snapshot lost: %+v", got[0].Context)
	}
}
