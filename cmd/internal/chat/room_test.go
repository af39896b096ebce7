package chat

import "testing"

func TestDirectRoomIDStablePair(t *testing.T) {
	t.Parallel()

	if DirectRoomID("alice", "bob") != DirectRoomID("bob", "alice") {
		t.Fatal("both participants must derive the same direct room id")
	}
	if DirectRoomID("alice", "bob") == DirectRoomID("alice", "carol") {
		t.Fatal("distinct pairs must derive distinct ids")
	}
}

func TestRegistryResolveCatalogue(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	room := r.Resolve("legislation", "alice", "")
	if room.ID != "legislation" || room.Kind != RoomPublic {
		t.Fatalf("got %+v", room)
	}
}

func TestRegistryResolveUnknownFallsBack(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	tests := []string{"", "  ", "no-such-room"}
	for _, id := range tests {
		if room := r.Resolve(id, "alice", ""); room.ID != DefaultRoomID {
			t.Fatalf("Resolve(%q): got %s, want %s", id, room.ID, DefaultRoomID)
		}
	}
}

func TestRegistryResolveDirect(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	room := r.Resolve("", "alice", "bob")
	if room.Kind != RoomDirect {
		t.Fatalf("got kind %s, want direct", room.Kind)
	}
	if room.ID != DirectRoomID("alice", "bob") {
		t.Fatalf("got id %s", room.ID)
	}

	// Starting a second direct conversation replaces the first in the list.
	r.Resolve("", "alice", "carol")

	direct := 0
	for _, rm := range r.Rooms() {
		if rm.Kind == RoomDirect {
			direct++
		}
	}
	if direct != 1 {
		t.Fatalf("got %d direct rooms, want 1", direct)
	}
}

func TestRegistryResolveTopic(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	room := r.ResolveTopic("housing-wins", "Housing Wins")
	if room.ID != "blog-housing-wins" {
		t.Fatalf("got id %s", room.ID)
	}
	if room.Name != "Discussion: Housing Wins" {
		t.Fatalf("got name %s", room.Name)
	}

	// Idempotent: a second resolve returns the registered room, no duplicate.
	again := r.ResolveTopic("housing-wins", "Ignored Title")
	if again.Name != room.Name {
		t.Fatalf("second resolve must return the existing room, got %q", again.Name)
	}

	count := 0
	for _, rm := range r.Rooms() {
		if rm.ID == room.ID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("topic room registered %d times", count)
	}
}

func TestRegistryRoomsIsCopy(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	rooms := r.Rooms()
	rooms[0].Name = "mutated"

	if r.Rooms()[0].Name == "mutated" {
		t.Fatal("Rooms must return a copy")
	}
}
