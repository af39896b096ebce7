package chat

import (
	"testing"
	"time"
)

func TestPresenceTrackAndLeave(t *testing.T) {
	t.Parallel()

	p := NewPresence(testLogger())

	h := p.Track("sess-1", Profile{ID: "alice", Name: "Alice"})

	snap := p.Snapshot()
	if len(snap) != 1 || snap[0].Profile.ID != "alice" {
		t.Fatalf("got %+v", snap)
	}

	h.Leave()
	h.Leave() // idempotent

	if snap := p.Snapshot(); len(snap) != 0 {
		t.Fatalf("got %d entries after leave, want 0", len(snap))
	}
}

func TestPresenceMultiSessionCollapsesToOneEntry(t *testing.T) {
	t.Parallel()

	p := NewPresence(testLogger())
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	p.nowFunc = func() time.Time {
		now = now.Add(time.Minute)
		return now
	}

	tab := p.Track("sess-tab", Profile{ID: "alice", Name: "Alice"})
	p.Track("sess-phone", Profile{ID: "alice", Name: "Alice"})

	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("same actor twice must collapse: got %d entries", len(snap))
	}
	first := snap[0].Since

	// Second session keeps the earliest Since.
	if snap[0].Since != first {
		t.Fatalf("Since drifted: %v", snap[0].Since)
	}

	// Closing one tab keeps the actor online.
	tab.Leave()
	if snap := p.Snapshot(); len(snap) != 1 {
		t.Fatal("actor must stay online while another session remains")
	}
}

func TestPresenceSnapshotSortedByName(t *testing.T) {
	t.Parallel()

	p := NewPresence(testLogger())
	p.Track("s1", Profile{ID: "u1", Name: "Zoe"})
	p.Track("s2", Profile{ID: "u2", Name: "Amir"})
	p.Track("s3", Profile{ID: "u3", Name: "Mira"})

	snap := p.Snapshot()
	want := []string{"Amir", "Mira", "Zoe"}
	for i, e := range snap {
		if e.Profile.Name != want[i] {
			t.Fatalf("entry %d: got=%s want=%s", i, e.Profile.Name, want[i])
		}
	}
}

func TestPresenceSetIsCommunityWide(t *testing.T) {
	t.Parallel()

	// Sessions viewing different rooms still share one merged set.
	p := NewPresence(testLogger())
	p.Track("s1", Profile{ID: "alice", Name: "Alice"})
	p.Track("s2", Profile{ID: "bob", Name: "Bob"})

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d entries, want 2", len(snap))
	}
	if snap[0].Profile.ID != "alice" || snap[1].Profile.ID != "bob" {
		t.Fatalf("got %+v", snap)
	}
}

func TestPresenceWatch(t *testing.T) {
	t.Parallel()

	p := NewPresence(testLogger())
	p.Track("s1", Profile{ID: "alice"})

	updates := make(chan []PresenceEntry, 16)
	sub := p.Watch(func(entries []PresenceEntry) {
		updates <- entries
	})
	defer sub.Cancel()

	// Watch delivers the current snapshot synchronously.
	select {
	case snap := <-updates:
		if len(snap) != 1 {
			t.Fatalf("initial snapshot: got %d entries", len(snap))
		}
	default:
		t.Fatal("Watch must invoke fn with the current snapshot before returning")
	}

	p.Track("s2", Profile{ID: "bob"})
	select {
	case snap := <-updates:
		if len(snap) != 2 {
			t.Fatalf("join update: got %d entries", len(snap))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for join update")
	}

	sub.Cancel()
	sub.Cancel() // idempotent
	p.Track("s3", Profile{ID: "carol"})
	select {
	case <-updates:
		t.Fatal("cancelled watcher must not receive updates")
	case <-time.After(100 * time.Millisecond):
	}
}
