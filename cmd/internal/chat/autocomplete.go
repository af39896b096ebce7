package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// CandidateKind classifies an autocomplete suggestion.
type CandidateKind string

const (
	CandidateMention  CandidateKind = "mention"
	CandidateCommand  CandidateKind = "command"
	CandidateResource CandidateKind = "resource"
)

// Candidate is one selectable suggestion. Insert is the text committed into
// the draft in place of the trigger token.
type Candidate struct {
	Kind   CandidateKind
	ID     string
	Label  string
	Detail string
	Insert string
}

// AutocompleteState names the phases of the suggestion flow.
type AutocompleteState int

const (
	StateIdle AutocompleteState = iota
	StateTriggered
	StateSearching
	StateResults
)

// Command is a slash action surfaced by the composer.
type Command struct {
	Name    string
	Summary string
}

// Commands lists the built-in slash actions.
var Commands = []Command{
	{Name: "poll", Summary: "Start a quick poll"},
	{Name: "link", Summary: "Share a published post"},
}

// Autocomplete watches the draft's trailing token for an @ or / trigger and
// drives a debounced search. Lookups are keyed by generation so a stale
// result can never overwrite a newer query's.
type Autocomplete struct {
	log      *slog.Logger
	dir      Directory
	res      ResourceIndex
	debounce time.Duration

	mu      sync.Mutex
	gen     int
	state   AutocompleteState
	trigger byte
	query   string
	results []Candidate
	sel     int
	timer   *time.Timer

	onChange func()
}

// AutocompleteOption configures an Autocomplete.
type AutocompleteOption func(*Autocomplete)

// WithDebounce overrides the search debounce interval.
func WithDebounce(d time.Duration) AutocompleteOption {
	return func(a *Autocomplete) {
		if d >= 0 {
			a.debounce = d
		}
	}
}

// NewAutocomplete constructs an idle suggester over a directory and a
// resource index.
func NewAutocomplete(log *slog.Logger, dir Directory, res ResourceIndex, opts ...AutocompleteOption) *Autocomplete {
	a := &Autocomplete{
		log:      log,
		dir:      dir,
		res:      res,
		debounce: DebounceInterval,
		state:    StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// SetOnChange registers a view-layer hook invoked after every state change.
func (a *Autocomplete) SetOnChange(fn func()) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Update feeds the current draft. A trailing token starting with @ or /
// arms the debounced search; anything else returns the suggester to idle.
func (a *Autocomplete) Update(draft string) {
	trigger, query, ok := trailingToken(draft)

	a.mu.Lock()
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if !ok {
		changed := a.state != StateIdle
		a.resetLocked()
		a.mu.Unlock()
		if changed {
			a.notify()
		}
		return
	}
	a.state = StateTriggered
	a.trigger = trigger
	a.query = query
	a.results = nil
	a.sel = 0
	a.timer = time.AfterFunc(a.debounce, func() {
		a.search(gen, trigger, query)
	})
	a.mu.Unlock()
	a.notify()
}

// Next moves the selection down, wrapping at the end.
func (a *Autocomplete) Next() {
	a.step(1)
}

// Prev moves the selection up, wrapping at the start.
func (a *Autocomplete) Prev() {
	a.step(-1)
}

func (a *Autocomplete) step(delta int) {
	a.mu.Lock()
	if a.state != StateResults || len(a.results) == 0 {
		a.mu.Unlock()
		return
	}
	a.sel = (a.sel + delta + len(a.results)) % len(a.results)
	a.mu.Unlock()
	a.notify()
}

// Commit replaces the draft's trailing trigger token with the selected
// candidate's insert text followed by a space. Reports false when no
// suggestion is selected.
func (a *Autocomplete) Commit(draft string) (string, bool) {
	a.mu.Lock()
	if a.state != StateResults || len(a.results) == 0 {
		a.mu.Unlock()
		return draft, false
	}
	chosen := a.results[a.sel]
	a.gen++
	a.resetLocked()
	a.mu.Unlock()

	idx := trailingTokenStart(draft)
	out := draft[:idx] + chosen.Insert + " "
	a.notify()
	return out, true
}

// Cancel dismisses the suggester without touching the draft.
func (a *Autocomplete) Cancel() {
	a.mu.Lock()
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	changed := a.state != StateIdle
	a.resetLocked()
	a.mu.Unlock()
	if changed {
		a.notify()
	}
}

// State returns the current phase.
func (a *Autocomplete) State() AutocompleteState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Results returns the current suggestions and the selected index.
func (a *Autocomplete) Results() ([]Candidate, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Candidate(nil), a.results...), a.sel
}

func (a *Autocomplete) resetLocked() {
	a.state = StateIdle
	a.trigger = 0
	a.query = ""
	a.results = nil
	a.sel = 0
}

func (a *Autocomplete) search(gen int, trigger byte, query string) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.state = StateSearching
	a.mu.Unlock()
	a.notify()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var (
		results []Candidate
		err     error
	)
	switch trigger {
	case '@':
		results, err = a.searchMentions(ctx, query)
	case '/':
		results, err = a.searchCommands(ctx, query)
	}

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	if err != nil {
		a.log.Warn("autocomplete.search failed", "query", query, "err", err)
		a.resetLocked()
		a.mu.Unlock()
		a.notify()
		return
	}
	a.state = StateResults
	a.results = results
	a.sel = 0
	a.mu.Unlock()
	a.notify()
}

func (a *Autocomplete) searchMentions(ctx context.Context, query string) ([]Candidate, error) {
	profiles, err := a.dir.Search(ctx, query, 5)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, Candidate{
			Kind:   CandidateMention,
			ID:     p.ID,
			Label:  p.Name,
			Detail: "@" + p.Handle,
			Insert: "@" + p.Handle,
		})
	}
	return out, nil
}

// searchCommands matches built-in commands by prefix, then appends published
// post titles so "/link <title>" can be completed in one pass.
func (a *Autocomplete) searchCommands(ctx context.Context, query string) ([]Candidate, error) {
	lower := strings.ToLower(query)
	var out []Candidate
	for _, cmd := range Commands {
		if strings.HasPrefix(cmd.Name, lower) {
			out = append(out, Candidate{
				Kind:   CandidateCommand,
				ID:     cmd.Name,
				Label:  "/" + cmd.Name,
				Detail: cmd.Summary,
				Insert: "/" + cmd.Name,
			})
		}
	}
	if lower != "" && a.res != nil {
		resources, err := a.res.SearchTitles(ctx, lower, 3)
		if err != nil {
			return nil, err
		}
		for _, r := range resources {
			out = append(out, Candidate{
				Kind:   CandidateResource,
				ID:     r.ID,
				Label:  r.Title,
				Detail: "post",
				Insert: "/link " + r.Title,
			})
		}
	}
	return out, nil
}

// trailingToken extracts the draft's final whitespace-delimited token when
// it begins with a trigger byte. A bare trigger is a valid empty query.
func trailingToken(draft string) (trigger byte, query string, ok bool) {
	idx := trailingTokenStart(draft)
	token := draft[idx:]
	if token == "" {
		return 0, "", false
	}
	switch token[0] {
	case '@', '/':
		return token[0], token[1:], true
	}
	return 0, "", false
}

func trailingTokenStart(draft string) int {
	if i := strings.LastIndexAny(draft, " \t\n"); i >= 0 {
		return i + 1
	}
	return 0
}

func (a *Autocomplete) notify() {
	a.mu.Lock()
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}
