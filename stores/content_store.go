package stores

import (
	"context"
	"time"

	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
)

// Mutation mutates a copy of the record in place. Returning an error aborts the update and nothing is
// written. Only ViewCount and Deleted are persisted from the mutated copy.
type Mutation func(c *md.Content) *se.Err

// ContentStore vends the interface to interact with content records.
type ContentStore interface {
	// Put persists a new record. It fails with DuplicateID if a record with the same id exists
	Put(ctx context.Context, c *md.Content) *se.Err
	// Get returns the record of given id, tombstoned ones included
	Get(ctx context.Context, id string) (*md.Content, *se.Err)
	// Update applies fn to the record of given id atomically and returns the record after mutation.
	// Concurrent updates of the same record are serialized; updates of different records never block
	// each other
	Update(ctx context.Context, id string, fn Mutation) (*md.Content, *se.Err)
	// ListByOwner returns non-deleted records of given owner, newest first
	ListByOwner(ctx context.Context, ownerID string) ([]*md.Content, *se.Err)
	// Remove deletes the record physically along with its index entries. Remove must be idempotent
	Remove(ctx context.Context, id string) *se.Err
	// Junk returns up to max records which shall be reclaimed, i.e. those tombstoned or whose expiry is
	// no later than now. It returns all of them when max == 0
	Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err)
	Close() *se.Err
}

// mutate applies fn to a copy of orig. It reports whether the persisted state changed
func mutate(orig *md.Content, fn Mutation) (*md.Content, bool, *se.Err) {
	cp := *orig
	if err := fn(&cp); err != nil {
		return nil, false, err
	}
	if cp.ViewCount < orig.ViewCount {
		return nil, false, se.NewServiceFailure("view count must not decrease")
	}
	// tombstone never reverts
	cp.Deleted = cp.Deleted || orig.Deleted
	// restore fields the mutation is not allowed to touch
	viewCount, deleted := cp.ViewCount, cp.Deleted
	cp = *orig
	cp.ViewCount, cp.Deleted = viewCount, deleted
	changed := cp.ViewCount != orig.ViewCount || cp.Deleted != orig.Deleted
	return &cp, changed, nil
}

func junkOf(c *md.Content) *md.Junk {
	jk := &md.Junk{ContentID: c.ID}
	if f, ok := c.File(); ok {
		jk.FileRefs = []string{f.Ref}
	}
	return jk
}

func checkMax(max int) *se.Err {
	if max < 0 {
		return se.NewBadInput("got negative max item count")
	}
	return nil
}
