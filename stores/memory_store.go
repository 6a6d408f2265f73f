package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
)

type memEntry struct {
	sync.Mutex
	c md.Content
	// removed is set once the entry is taken off the table, so that updates racing with Remove fail
	// instead of writing to a detached entry
	removed bool
}

// MemoryStore is a ContentStore kept in process memory. Each record is guarded by its own mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*memEntry{}}
}

func (s *MemoryStore) Put(ctx context.Context, c *md.Content) *se.Err {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[c.ID]; ok {
		return se.NewDuplicateID(fmt.Sprintf("content %s already exists", c.ID))
	}
	s.entries[c.ID] = &memEntry{c: *c}
	return nil
}

func (s *MemoryStore) entry(id string) (*memEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*md.Content, *se.Err) {
	e, ok := s.entry(id)
	if !ok {
		return nil, se.NewNotFound(fmt.Sprintf("content %s not found", id))
	}
	e.Lock()
	defer e.Unlock()
	if e.removed {
		return nil, se.NewNotFound(fmt.Sprintf("content %s not found", id))
	}
	cp := e.c
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn Mutation) (*md.Content, *se.Err) {
	e, ok := s.entry(id)
	if !ok {
		return nil, se.NewNotFound(fmt.Sprintf("content %s not found", id))
	}
	e.Lock()
	defer e.Unlock()
	if e.removed {
		return nil, se.NewNotFound(fmt.Sprintf("content %s not found", id))
	}
	if err := ctx.Err(); err != nil {
		return nil, se.NewServiceFailure("update cancelled").WithCause(err)
	}
	mutated, changed, err := mutate(&e.c, fn)
	if err != nil {
		return nil, err
	}
	if changed {
		e.c = *mutated
	}
	cp := e.c
	return &cp, nil
}

func (s *MemoryStore) snapshot() []md.Content {
	s.mu.RLock()
	entries := lo.Values(s.entries)
	s.mu.RUnlock()
	cs := make([]md.Content, 0, len(entries))
	for _, e := range entries {
		e.Lock()
		if !e.removed {
			cs = append(cs, e.c)
		}
		e.Unlock()
	}
	return cs
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*md.Content, *se.Err) {
	owned := lo.FilterMap(s.snapshot(), func(c md.Content, _ int) (*md.Content, bool) {
		return &c, !c.Deleted && c.OwnedBy(ownerID)
	})
	sort.SliceStable(owned, func(i, j int) bool {
		return owned[i].CreationTime.After(owned[j].CreationTime)
	})
	return owned, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) *se.Err {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		e.Lock()
		e.removed = true
		e.Unlock()
	}
	return nil
}

func (s *MemoryStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	if err := checkMax(max); err != nil {
		return nil, err
	}
	junk := lo.Filter(s.snapshot(), func(c md.Content, _ int) bool {
		return c.Junk(now)
	})
	sort.SliceStable(junk, func(i, j int) bool {
		return junk[i].Expiry.Before(junk[j].Expiry)
	})
	if max > 0 && len(junk) > max {
		junk = junk[:max]
	}
	return lo.Map(junk, func(c md.Content, _ int) *md.Junk {
		return junkOf(&c)
	}), nil
}

func (s *MemoryStore) Close() *se.Err {
	return nil
}
