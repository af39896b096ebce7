package chat

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

// countingDirectory wraps a directory and counts batch lookups.
type countingDirectory struct {
	Directory
	calls atomic.Int64
}

func (d *countingDirectory) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	d.calls.Add(1)
	return d.Directory.Profiles(ctx, ids)
}

// failingStore fails every operation with errBoom.
type failingStore struct{}

var errBoom = errors.New("boom")

func (failingStore) Append(context.Context, AppendInput) (AppendResult, error) {
	return AppendResult{}, errBoom
}
func (failingStore) FetchPage(context.Context, string, *Cursor, int) ([]Message, bool, error) {
	return nil, false, errBoom
}
func (failingStore) FetchSince(context.Context, string, Cursor, int) ([]Message, error) {
	return nil, errBoom
}
func (failingStore) FetchThread(context.Context, string) ([]Message, error) { return nil, errBoom }
func (failingStore) ThreadCounts(context.Context, []string) (map[string]int, error) {
	return nil, errBoom
}
func (failingStore) ToggleReaction(context.Context, string, string, string) (bool, error) {
	return false, errBoom
}
func (failingStore) ListReactions(context.Context, string) ([]Reaction, error) { return nil, errBoom }
func (failingStore) Close() error                                              { return nil }

func newTestGateway(t *testing.T) (*Gateway, *MemoryStore, *MemoryDirectory) {
	t.Helper()
	store := NewMemoryStore(NewBroker(testLogger()))
	dir := NewMemoryDirectory()
	return NewGateway(testLogger(), store, dir), store, dir
}

func TestGatewayAppendValidation(t *testing.T) {
	t.Parallel()

	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   AppendInput
		want func(error) bool
	}{
		{"no author", AppendInput{RoomID: "r", Body: "x"}, IsAuth},
		{"empty body", AppendInput{RoomID: "r", AuthorID: "u", Body: "   "}, IsValidation},
		{"body too long", AppendInput{RoomID: "r", AuthorID: "u", Body: strings.Repeat("x", maxBodyChars+1)}, IsValidation},
		{"missing room", AppendInput{AuthorID: "u", Body: "x"}, IsValidation},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := gw.Append(ctx, tc.in)
			if err == nil || !tc.want(err) {
				t.Fatalf("wrong error kind: %v", err)
			}
		})
	}
}

func TestGatewayAppendDefaultsClientKey(t *testing.T) {
	t.Parallel()

	gw, _, _ := newTestGateway(t)

	res, err := gw.Append(context.Background(), AppendInput{RoomID: "r", AuthorID: "u", Body: "hello"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Stored.ClientKey == "" {
		t.Fatal("append must assign a client key when the caller sends none")
	}
}

func TestGatewayAppendTrimsBody(t *testing.T) {
	t.Parallel()

	gw, _, _ := newTestGateway(t)

	res, err := gw.Append(context.Background(), AppendInput{RoomID: "r", AuthorID: "u", Body: "  hi there  "})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Stored.Body != "hi there" {
		t.Fatalf("body not trimmed: %q", res.Stored.Body)
	}
}

func TestGatewayFetchPageAscendingWithAuthors(t *testing.T) {
	t.Parallel()

	gw, store, dir := newTestGateway(t)
	ctx := context.Background()

	dir.Put(Profile{ID: "actor-1", Name: "Rosa", Handle: "rosa"})
	seedRoom(t, store, "r", 5)

	page, err := gw.FetchPage(ctx, "r", nil)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Messages) != 5 {
		t.Fatalf("got %d rows, want 5", len(page.Messages))
	}
	for i := 1; i < len(page.Messages); i++ {
		if page.Messages[i].CreatedAt.Before(page.Messages[i-1].CreatedAt) {
			t.Fatal("page must be ascending for display")
		}
	}
	for _, m := range page.Messages {
		if m.Author.Name != "Rosa" {
			t.Fatalf("author not resolved on %s", m.ID)
		}
	}
}

func TestGatewayFetchPageBatchesAuthorLookup(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(NewBroker(testLogger()))
	dir := &countingDirectory{Directory: NewMemoryDirectory()}
	gw := NewGateway(testLogger(), store, dir)

	seedRoom(t, store, "r", 20)

	if _, err := gw.FetchPage(context.Background(), "r", nil); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if n := dir.calls.Load(); n != 1 {
		t.Fatalf("page load must use one batched lookup, got %d", n)
	}
}

func TestGatewayStoreFailuresAreStoreErrors(t *testing.T) {
	t.Parallel()

	gw := NewGateway(testLogger(), failingStore{}, NewMemoryDirectory())
	ctx := context.Background()

	if _, err := gw.FetchPage(ctx, "r", nil); !IsStore(err) {
		t.Fatalf("FetchPage: want store error, got %v", err)
	}
	if _, err := gw.Append(ctx, AppendInput{RoomID: "r", AuthorID: "u", Body: "x"}); !IsStore(err) {
		t.Fatalf("Append: want store error, got %v", err)
	}
	if _, err := gw.Thread(ctx, "p"); !IsStore(err) {
		t.Fatalf("Thread: want store error, got %v", err)
	}
	if _, err := gw.ToggleReaction(ctx, "u", "m", "🔥"); !IsStore(err) {
		t.Fatalf("ToggleReaction: want store error, got %v", err)
	}
}

func TestGatewayToggleReactionValidation(t *testing.T) {
	t.Parallel()

	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	if _, err := gw.ToggleReaction(ctx, "", "m", "🔥"); !IsAuth(err) {
		t.Fatalf("want auth error, got %v", err)
	}
	if _, err := gw.ToggleReaction(ctx, "u", "m", "  "); !IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestGatewayListReactionsBatch(t *testing.T) {
	t.Parallel()

	gw, store, _ := newTestGateway(t)
	ctx := context.Background()

	if _, err := store.ToggleReaction(ctx, "m1", "u1", "🔥"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, err := store.ToggleReaction(ctx, "m2", "u1", "❤️"); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	rows, err := gw.ListReactions(ctx, []string{"m1", "m2", "m3"})
	if err != nil {
		t.Fatalf("ListReactions: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}
