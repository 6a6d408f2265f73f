// Package storetest vends the behavior suite every ContentStore implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
	st "wuyrush.io/linkvault/stores"
)

// Factory returns an empty store. The store is closed by the suite
type Factory func(t *testing.T) st.ContentStore

// Run runs the suite against stores made by newStore
func Run(t *testing.T, newStore Factory) {
	tcs := []struct {
		name string
		run  func(t *testing.T, s st.ContentStore)
	}{
		{"PutGet", testPutGet},
		{"PutDuplicate", testPutDuplicate},
		{"GetMissing", testGetMissing},
		{"Update", testUpdate},
		{"UpdateRejected", testUpdateRejected},
		{"UpdateTombstoneNeverReverts", testUpdateTombstoneNeverReverts},
		{"UpdateMissing", testUpdateMissing},
		{"UpdateConcurrent", testUpdateConcurrent},
		{"ListByOwner", testListByOwner},
		{"Remove", testRemove},
		{"Junk", testJunk},
		{"JunkMax", testJunkMax},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			c.run(t, s)
		})
	}
}

// NewText returns a valid live text record
func NewText(body string) *md.Content {
	now := time.Now()
	return &md.Content{
		ID:           ksuid.New().String(),
		Payload:      md.TextPayload{Body: body},
		CreationTime: now,
		Expiry:       now.Add(time.Hour),
	}
}

// NewFile returns a valid live file record
func NewFile(ref string) *md.Content {
	c := NewText("")
	c.Payload = md.FilePayload{Ref: ref, Name: "foo.txt", Size: 3, MIMEType: "text/plain; charset=utf-8"}
	return c
}

func expired(c *md.Content) *md.Content {
	c.CreationTime = time.Now().Add(-2 * time.Hour)
	c.Expiry = c.CreationTime.Add(time.Hour)
	return c
}

func assertSameContent(t *testing.T, exp, actual *md.Content) {
	t.Helper()
	assert.Equal(t, exp.ID, actual.ID)
	assert.Equal(t, exp.Payload, actual.Payload)
	assert.Equal(t, exp.CreationTime.UnixNano(), actual.CreationTime.UnixNano())
	assert.Equal(t, exp.Expiry.UnixNano(), actual.Expiry.UnixNano())
	assert.Equal(t, exp.ViewCount, actual.ViewCount)
	assert.Equal(t, exp.MaxViews, actual.MaxViews)
	assert.Equal(t, exp.ReadAndBurn, actual.ReadAndBurn)
	assert.Equal(t, exp.PasswordHash, actual.PasswordHash)
	assert.Equal(t, exp.Deleted, actual.Deleted)
	assert.Equal(t, exp.OwnerID, actual.OwnerID)
}

func view(c *md.Content) *se.Err {
	c.View()
	return nil
}

func testPutGet(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	text := NewText("foo")
	text.MaxViews = 3
	text.PasswordHash = "fake-hash"
	text.OwnerID = "johndoe"
	file := NewFile("/fake/ref/foo.txt")
	file.ReadAndBurn = true
	for _, c := range []*md.Content{text, file} {
		require.Nil(t, s.Put(ctx, c))
		actual, err := s.Get(ctx, c.ID)
		require.Nil(t, err)
		assertSameContent(t, c, actual)
	}
}

func testPutDuplicate(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	c := NewText("foo")
	require.Nil(t, s.Put(ctx, c))
	dup := NewText("bar")
	dup.ID = c.ID
	err := s.Put(ctx, dup)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeDuplicateID, err.Code)
	}
	actual, gerr := s.Get(ctx, c.ID)
	require.Nil(t, gerr)
	assert.Equal(t, c.Payload, actual.Payload, "existing record must not be overwritten")
}

func testGetMissing(t *testing.T, s st.ContentStore) {
	_, err := s.Get(context.Background(), ksuid.New().String())
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
}

func testUpdate(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	c := NewText("foo")
	c.MaxViews = 2
	require.Nil(t, s.Put(ctx, c))

	updated, err := s.Update(ctx, c.ID, view)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), updated.ViewCount)
	assert.False(t, updated.Deleted)

	updated, err = s.Update(ctx, c.ID, view)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), updated.ViewCount)
	assert.True(t, updated.Deleted)

	actual, err := s.Get(ctx, c.ID)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), actual.ViewCount)
	assert.True(t, actual.Deleted)
	assert.Equal(t, c.Payload, actual.Payload)
}

func testUpdateRejected(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	c := NewText("foo")
	require.Nil(t, s.Put(ctx, c))
	_, err := s.Update(ctx, c.ID, func(c *md.Content) *se.Err {
		c.View()
		c.Deleted = true
		return se.NewQuotaExhausted("fake")
	})
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeQuotaExhausted, err.Code)
	}
	actual, gerr := s.Get(ctx, c.ID)
	require.Nil(t, gerr)
	assert.Equal(t, uint64(0), actual.ViewCount, "rejected mutation must not be written")
	assert.False(t, actual.Deleted, "rejected mutation must not be written")
}

func testUpdateTombstoneNeverReverts(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	c := NewText("foo")
	require.Nil(t, s.Put(ctx, c))
	_, err := s.Update(ctx, c.ID, func(c *md.Content) *se.Err {
		c.Deleted = true
		return nil
	})
	require.Nil(t, err)
	updated, err := s.Update(ctx, c.ID, func(c *md.Content) *se.Err {
		c.Deleted = false
		// fields other than view count and tombstone are never persisted
		c.OwnerID = "mallory"
		return nil
	})
	require.Nil(t, err)
	assert.True(t, updated.Deleted)
	assert.Equal(t, "", updated.OwnerID)
	actual, err := s.Get(ctx, c.ID)
	require.Nil(t, err)
	assert.True(t, actual.Deleted)
	assert.Equal(t, "", actual.OwnerID)
}

func testUpdateMissing(t *testing.T, s st.ContentStore) {
	_, err := s.Update(context.Background(), ksuid.New().String(), view)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
}

func testUpdateConcurrent(t *testing.T, s st.ContentStore) {
	const (
		ceiling = 5
		workers = 20
	)
	ctx := context.Background()
	c := NewText("foo")
	c.MaxViews = ceiling
	require.Nil(t, s.Put(ctx, c))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejects   int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, c.ID, func(c *md.Content) *se.Err {
				if c.QuotaExhausted() {
					return se.NewQuotaExhausted("fake")
				}
				c.View()
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if err.Code == se.ErrCodeQuotaExhausted {
				rejects++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, ceiling, successes)
	assert.Equal(t, workers-ceiling, rejects)
	actual, err := s.Get(ctx, c.ID)
	require.Nil(t, err)
	assert.Equal(t, uint64(ceiling), actual.ViewCount)
	assert.True(t, actual.Deleted)
}

func testListByOwner(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	base := time.Now()
	owned := make([]*md.Content, 3)
	for i := range owned {
		c := NewText(fmt.Sprintf("foo-%d", i))
		c.OwnerID = "johndoe"
		c.CreationTime = base.Add(time.Duration(i) * time.Second)
		c.Expiry = c.CreationTime.Add(time.Hour)
		require.Nil(t, s.Put(ctx, c))
		owned[i] = c
	}
	other := NewText("bar")
	other.OwnerID = "janedoe"
	require.Nil(t, s.Put(ctx, other))
	anonymous := NewText("baz")
	require.Nil(t, s.Put(ctx, anonymous))
	// tombstoned records are left out
	_, err := s.Update(ctx, owned[1].ID, func(c *md.Content) *se.Err {
		c.Deleted = true
		return nil
	})
	require.Nil(t, err)

	cs, err := s.ListByOwner(ctx, "johndoe")
	require.Nil(t, err)
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{owned[2].ID, owned[0].ID}, ids, "expect newest first")

	cs, err = s.ListByOwner(ctx, "nobody")
	require.Nil(t, err)
	assert.Empty(t, cs)
}

func testRemove(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	c := expired(NewText("foo"))
	c.OwnerID = "johndoe"
	require.Nil(t, s.Put(ctx, c))
	require.Nil(t, s.Remove(ctx, c.ID))
	// idempotent
	require.Nil(t, s.Remove(ctx, c.ID))

	_, err := s.Get(ctx, c.ID)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
	cs, err := s.ListByOwner(ctx, "johndoe")
	require.Nil(t, err)
	assert.Empty(t, cs)
	jks, err := s.Junk(ctx, time.Now(), 0)
	require.Nil(t, err)
	assert.Empty(t, jks, "index entries must be removed along with the record")
	// the id is free again
	again := NewText("bar")
	again.ID = c.ID
	assert.Nil(t, s.Put(ctx, again))
}

func testJunk(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	live := NewText("live")
	stale := expired(NewFile("/fake/ref/stale.txt"))
	tombstoned := NewFile("/fake/ref/tombstoned.txt")
	for _, c := range []*md.Content{live, stale, tombstoned} {
		require.Nil(t, s.Put(ctx, c))
	}
	_, err := s.Update(ctx, tombstoned.ID, func(c *md.Content) *se.Err {
		c.Deleted = true
		return nil
	})
	require.Nil(t, err)

	jks, err := s.Junk(ctx, time.Now(), 0)
	require.Nil(t, err)
	byID := map[string]*md.Junk{}
	for _, jk := range jks {
		byID[jk.ContentID] = jk
	}
	assert.Len(t, byID, 2)
	assert.NotContains(t, byID, live.ID)
	if assert.Contains(t, byID, stale.ID) {
		assert.Equal(t, []string{"/fake/ref/stale.txt"}, byID[stale.ID].FileRefs)
	}
	if assert.Contains(t, byID, tombstoned.ID) {
		assert.Equal(t, []string{"/fake/ref/tombstoned.txt"}, byID[tombstoned.ID].FileRefs)
	}

	// the live record becomes junk once its expiry passes
	jks, err = s.Junk(ctx, live.Expiry, 0)
	require.Nil(t, err)
	assert.Len(t, jks, 3)
}

func testJunkMax(t *testing.T, s st.ContentStore) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Nil(t, s.Put(ctx, expired(NewText("foo"))))
	}
	jks, err := s.Junk(ctx, time.Now(), 2)
	require.Nil(t, err)
	assert.Len(t, jks, 2)

	_, err = s.Junk(ctx, time.Now(), -1)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeAPIBadRequest, err.Code)
	}
}
