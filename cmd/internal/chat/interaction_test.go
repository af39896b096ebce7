package chat

import (
	"fmt"
	"testing"
)

func TestInteractionLogRecordAndCounts(t *testing.T) {
	t.Parallel()

	l := NewInteractionLog(testLogger())
	l.Record("alice", InteractionMessage, "m1")
	l.Record("alice", InteractionMessage, "m2")
	l.Record("bob", InteractionReaction, "m1")
	l.Record("alice", InteractionJoin, "general")

	counts := l.Counts()
	if counts[InteractionMessage] != 2 || counts[InteractionReaction] != 1 || counts[InteractionJoin] != 1 {
		t.Fatalf("got %+v", counts)
	}

	// Counts returns a copy.
	counts[InteractionMessage] = 99
	if l.Counts()[InteractionMessage] != 2 {
		t.Fatal("Counts must return a copy")
	}
}

func TestInteractionLogRecentNewestFirst(t *testing.T) {
	t.Parallel()

	l := NewInteractionLog(testLogger())
	for i := 0; i < 5; i++ {
		l.Record("alice", InteractionMessage, fmt.Sprintf("m%d", i))
	}

	recent := l.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("got %d events", len(recent))
	}
	want := []string{"m4", "m3", "m2"}
	for i, ev := range recent {
		if ev.TargetID != want[i] {
			t.Fatalf("event %d: got=%s want=%s", i, ev.TargetID, want[i])
		}
	}

	if got := l.Recent(0); len(got) != 5 {
		t.Fatalf("Recent(0) must return everything: got %d", len(got))
	}
	if got := l.Recent(100); len(got) != 5 {
		t.Fatalf("oversized n must clamp: got %d", len(got))
	}
}

func TestInteractionLogBounded(t *testing.T) {
	t.Parallel()

	l := NewInteractionLog(testLogger())
	for i := 0; i < interactionLogCap+10; i++ {
		l.Record("alice", InteractionMessage, fmt.Sprintf("m%d", i))
	}

	all := l.Recent(0)
	if len(all) != interactionLogCap {
		t.Fatalf("got %d events, want %d", len(all), interactionLogCap)
	}
	// Newest survives, oldest dropped.
	if all[0].TargetID != fmt.Sprintf("m%d", interactionLogCap+9) {
		t.Fatalf("newest missing: %s", all[0].TargetID)
	}
	// Totals keep counting past the cap.
	if l.Counts()[InteractionMessage] != interactionLogCap+10 {
		t.Fatalf("got total %d", l.Counts()[InteractionMessage])
	}
}
