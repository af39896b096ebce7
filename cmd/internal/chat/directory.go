package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryDirectory is an in-process Directory used when no database is
// configured (and by tests).
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryDirectory constructs an empty in-memory Directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{profiles: make(map[string]Profile)}
}

// Put upserts a profile. Sessions register their actor on hello so authors
// resolve without a separate provisioning step.
func (d *MemoryDirectory) Put(p Profile) {
	if p.ID == "" {
		return
	}
	d.mu.Lock()
	d.profiles[p.ID] = p
	d.mu.Unlock()
}

// Profiles resolves a batch of ids in one lookup. Unknown ids are absent
// from the result rather than erroring.
func (d *MemoryDirectory) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Profile, len(ids))
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// Search returns profiles whose name or handle contains query, case
// insensitive, ordered by handle for determinism.
func (d *MemoryDirectory) Search(ctx context.Context, query string, limit int) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	q := strings.ToLower(strings.TrimSpace(query))

	d.mu.RLock()
	all := make([]Profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		all = append(all, p)
	}
	d.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Handle < all[j].Handle })

	out := make([]Profile, 0, limit)
	for _, p := range all {
		if q != "" &&
			!strings.Contains(strings.ToLower(p.Name), q) &&
			!strings.Contains(strings.ToLower(p.Handle), q) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MemoryResourceIndex is an in-process ResourceIndex.
type MemoryResourceIndex struct {
	mu        sync.RWMutex
	resources []Resource
}

// NewMemoryResourceIndex constructs a resource index seeded with rows.
func NewMemoryResourceIndex(rows ...Resource) *MemoryResourceIndex {
	return &MemoryResourceIndex{resources: rows}
}

// Add appends a resource row.
func (x *MemoryResourceIndex) Add(r Resource) {
	x.mu.Lock()
	x.resources = append(x.resources, r)
	x.mu.Unlock()
}

// SearchTitles returns resources whose title contains query, case insensitive.
func (x *MemoryResourceIndex) SearchTitles(ctx context.Context, query string, limit int) ([]Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 3
	}
	q := strings.ToLower(strings.TrimSpace(query))

	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Resource, 0, limit)
	for _, r := range x.resources {
		if q != "" && !strings.Contains(strings.ToLower(r.Title), q) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
