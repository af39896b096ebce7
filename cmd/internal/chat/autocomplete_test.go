package chat

import (
	"testing"
	"time"
)

func seedDirectory() *MemoryDirectory {
	dir := NewMemoryDirectory()
	dir.Put(Profile{ID: "u1", Name: "Rosa Diaz", Handle: "rosa"})
	dir.Put(Profile{ID: "u2", Name: "Sam Field", Handle: "sam"})
	dir.Put(Profile{ID: "u3", Name: "Rosalind Wu", Handle: "roz"})
	return dir
}

func newAutocomplete(t *testing.T) *Autocomplete {
	t.Helper()
	res := NewMemoryResourceIndex(
		Resource{ID: "p1", Title: "Housing Organizing Wins"},
		Resource{ID: "p2", Title: "Mutual Aid Playbook"},
	)
	return NewAutocomplete(testLogger(), seedDirectory(), res, WithDebounce(time.Millisecond))
}

func waitForState(t *testing.T, a *Autocomplete, want AutocompleteState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, stuck at %v", want, a.State())
}

func TestTrailingToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		draft   string
		trigger byte
		query   string
		ok      bool
	}{
		{"", 0, "", false},
		{"hello", 0, "", false},
		{"@", '@', "", true},
		{"@ro", '@', "ro", true},
		{"hello @ro", '@', "ro", true},
		{"hello @rosa done", 0, "", false},
		{"/", '/', "", true},
		{"/po", '/', "po", true},
		{"check /link", '/', "link", true},
		{"a@b", 0, "", false}, // mid-word @ is not a trigger token start
	}
	for _, tc := range tests {
		trigger, query, ok := trailingToken(tc.draft)
		if ok != tc.ok || trigger != tc.trigger || query != tc.query {
			t.Errorf("trailingToken(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.draft, trigger, query, ok, tc.trigger, tc.query, tc.ok)
		}
	}
}

func TestAutocompleteMentionFlow(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)

	a.Update("hey @ro")
	waitForState(t, a, StateResults)

	results, sel := a.Results()
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (rosa, roz)", len(results))
	}
	if sel != 0 {
		t.Fatalf("initial selection must be 0, got %d", sel)
	}
	for _, c := range results {
		if c.Kind != CandidateMention {
			t.Fatalf("got kind %s", c.Kind)
		}
	}
}

func TestAutocompleteCommitReplacesTrailingToken(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)

	a.Update("hey @rosa")
	waitForState(t, a, StateResults)

	out, ok := a.Commit("hey @rosa")
	if !ok {
		t.Fatal("Commit must succeed with results present")
	}
	if out != "hey @rosa " {
		t.Fatalf("got %q", out)
	}
	if a.State() != StateIdle {
		t.Fatal("Commit must return to idle")
	}
}

func TestAutocompleteCommitWithoutResults(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)
	if out, ok := a.Commit("plain draft"); ok || out != "plain draft" {
		t.Fatalf("got (%q, %v)", out, ok)
	}
}

func TestAutocompleteNavigationWraps(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)
	a.Update("@ro")
	waitForState(t, a, StateResults)

	_, sel := a.Results()
	if sel != 0 {
		t.Fatalf("sel=%d", sel)
	}
	a.Next()
	if _, sel = a.Results(); sel != 1 {
		t.Fatalf("after Next: sel=%d", sel)
	}
	a.Next()
	if _, sel = a.Results(); sel != 0 {
		t.Fatalf("Next must wrap: sel=%d", sel)
	}
	a.Prev()
	if _, sel = a.Results(); sel != 1 {
		t.Fatalf("Prev must wrap: sel=%d", sel)
	}
}

func TestAutocompleteCancel(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)
	a.Update("@ro")
	waitForState(t, a, StateResults)

	a.Cancel()
	if a.State() != StateIdle {
		t.Fatal("Cancel must reset to idle")
	}
	if results, _ := a.Results(); len(results) != 0 {
		t.Fatal("Cancel must drop results")
	}
}

func TestAutocompleteStaleQueryNeverWins(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)

	// Rapid retypes; only the final query's results may land.
	a.Update("@ro")
	a.Update("@sam")
	waitForState(t, a, StateResults)

	results, _ := a.Results()
	if len(results) != 1 || results[0].Detail != "@sam" {
		t.Fatalf("stale results landed: %+v", results)
	}

	// Returning to a non-trigger draft goes idle and stays there.
	a.Update("@ro")
	a.Update("plain text")
	time.Sleep(20 * time.Millisecond)
	if a.State() != StateIdle {
		t.Fatalf("stale search resurrected state: %v", a.State())
	}
}

func TestAutocompleteSlashCommands(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)

	a.Update("/")
	waitForState(t, a, StateResults)

	results, _ := a.Results()
	if len(results) != len(Commands) {
		t.Fatalf("bare slash must list all commands: got %d", len(results))
	}

	a.Update("/po")
	waitForState(t, a, StateResults)
	results, _ = a.Results()
	if len(results) != 1 || results[0].Insert != "/poll" {
		t.Fatalf("got %+v", results)
	}
}

func TestAutocompleteSlashResources(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)

	a.Update("/housing")
	waitForState(t, a, StateResults)

	results, _ := a.Results()
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	c := results[0]
	if c.Kind != CandidateResource {
		t.Fatalf("got kind %s", c.Kind)
	}
	if c.Insert != "/link Housing Organizing Wins" {
		t.Fatalf("got insert %q", c.Insert)
	}
}

func TestAutocompleteEmptyMentionQueryListsProfiles(t *testing.T) {
	t.Parallel()

	a := newAutocomplete(t)

	a.Update("@")
	waitForState(t, a, StateResults)

	results, _ := a.Results()
	if len(results) != 3 {
		t.Fatalf("bare @ must list profiles: got %d", len(results))
	}
}
