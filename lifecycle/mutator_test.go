package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"wuyrush.io/linkvault/common/secret"
	se "wuyrush.io/linkvault/errors"
	"wuyrush.io/linkvault/gate"
	md "wuyrush.io/linkvault/models"
	st "wuyrush.io/linkvault/stores"
)

func newText(now time.Time) *md.Content {
	return &md.Content{
		ID:           ksuid.New().String(),
		Payload:      md.TextPayload{Body: "foo"},
		CreationTime: now,
		Expiry:       now.Add(time.Hour),
	}
}

func TestMutatorRecordAccessMaxViews(t *testing.T) {
	ctx := context.Background()
	store := st.NewMemoryStore()
	m := NewMutator(store)
	c := newText(time.Now())
	c.MaxViews = 2
	require.Nil(t, store.Put(ctx, c))

	first, err := m.RecordAccess(ctx, c.ID)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), first.ViewCount)
	assert.False(t, first.Deleted)

	second, err := m.RecordAccess(ctx, c.ID)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), second.ViewCount)
	assert.True(t, second.Deleted)

	_, err = m.RecordAccess(ctx, c.ID)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeQuotaExhausted, err.Code)
	}
	actual, gerr := store.Get(ctx, c.ID)
	require.Nil(t, gerr)
	assert.Equal(t, uint64(2), actual.ViewCount)
}

func TestMutatorRecordAccessRejections(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	tcs := []struct {
		name    string
		content func() *md.Content
		expCode se.ErrCode
	}{
		{
			name: "Expired",
			content: func() *md.Content {
				c := newText(now.Add(-2 * time.Hour))
				return c
			},
			expCode: se.ErrCodeExpired,
		},
		{
			name: "DeletedByOwner",
			content: func() *md.Content {
				c := newText(now)
				c.MaxViews = 5
				c.Deleted = true
				return c
			},
			expCode: se.ErrCodeNotFound,
		},
		{
			name: "ReadAndBurnUsed",
			content: func() *md.Content {
				c := newText(now)
				c.ReadAndBurn = true
				c.ViewCount = 1
				c.Deleted = true
				return c
			},
			expCode: se.ErrCodeQuotaExhausted,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			store := st.NewMemoryStore()
			m := NewMutator(store)
			m.Now = func() time.Time { return now }
			content := c.content()
			require.Nil(t, store.Put(ctx, content))
			_, err := m.RecordAccess(ctx, content.ID)
			if assert.NotNil(t, err) {
				assert.Equal(t, c.expCode, err.Code)
			}
			actual, gerr := store.Get(ctx, content.ID)
			require.Nil(t, gerr)
			assert.Equal(t, content.ViewCount, actual.ViewCount, "rejected access must not be counted")
		})
	}

	t.Run("Absent", func(t *testing.T) {
		_, err := NewMutator(st.NewMemoryStore()).RecordAccess(ctx, ksuid.New().String())
		if assert.NotNil(t, err) {
			assert.Equal(t, se.ErrCodeNotFound, err.Code)
		}
	})
}

func TestMutatorRecordAccessConcurrentSingleView(t *testing.T) {
	ctx := context.Background()
	store := st.NewMemoryStore()
	g := gate.New(store, secret.NewBcryptHasher(bcrypt.MinCost))
	m := NewMutator(store)
	c := newText(time.Now())
	c.MaxViews = 1
	require.Nil(t, store.Put(ctx, c))

	// both requesters pass the gate before either commits
	for i := 0; i < 2; i++ {
		_, err := g.Evaluate(ctx, c.ID, "")
		require.Nil(t, err)
	}
	errs := make([]*se.Err, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.RecordAccess(ctx, c.ID)
		}(i)
	}
	wg.Wait()
	granted, rejected := 0, 0
	for _, err := range errs {
		if err == nil {
			granted++
		} else if err.Code == se.ErrCodeQuotaExhausted {
			rejected++
		}
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, 1, rejected)
}

func TestMutatorRecordAccessCeiling(t *testing.T) {
	const (
		maxViews = 7
		workers  = 50
	)
	ctx := context.Background()
	store := st.NewMemoryStore()
	m := NewMutator(store)
	c := newText(time.Now())
	c.MaxViews = maxViews
	require.Nil(t, store.Put(ctx, c))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := m.RecordAccess(ctx, c.ID); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, maxViews, granted)
	actual, err := store.Get(ctx, c.ID)
	require.Nil(t, err)
	assert.Equal(t, uint64(maxViews), actual.ViewCount)
	assert.True(t, actual.Deleted)
}

func TestMutatorMarkDeleted(t *testing.T) {
	ctx := context.Background()
	tcs := []struct {
		name      string
		owner     string
		requester string
		expCode   se.ErrCode
	}{
		{
			name:      "Owner",
			owner:     "johndoe",
			requester: "johndoe",
		},
		{
			name:      "Stranger",
			owner:     "johndoe",
			requester: "janedoe",
			expCode:   se.ErrCodeForbidden,
		},
		{
			name:      "EmptyRequester",
			owner:     "johndoe",
			requester: "",
			expCode:   se.ErrCodeForbidden,
		},
		{
			name:      "Ownerless",
			owner:     "",
			requester: "",
			expCode:   se.ErrCodeForbidden,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			store := st.NewMemoryStore()
			m := NewMutator(store)
			content := newText(time.Now())
			content.OwnerID = c.owner
			require.Nil(t, store.Put(ctx, content))
			err := m.MarkDeleted(ctx, content.ID, c.requester)
			actual, gerr := store.Get(ctx, content.ID)
			require.Nil(t, gerr)
			if c.expCode == "" {
				assert.Nil(t, err)
				assert.True(t, actual.Deleted)
				return
			}
			if assert.NotNil(t, err) {
				assert.Equal(t, c.expCode, err.Code)
			}
			assert.False(t, actual.Deleted)
		})
	}
}

func TestMutatorMarkDeletedIdempotent(t *testing.T) {
	ctx := context.Background()
	store := st.NewMemoryStore()
	m := NewMutator(store)
	c := newText(time.Now())
	c.OwnerID = "johndoe"
	require.Nil(t, store.Put(ctx, c))
	for i := 0; i < 3; i++ {
		assert.Nil(t, m.MarkDeleted(ctx, c.ID, "johndoe"))
	}
	actual, err := store.Get(ctx, c.ID)
	require.Nil(t, err)
	assert.True(t, actual.Deleted)
	// deleted content is gone for readers
	_, err = m.RecordAccess(ctx, c.ID)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
	err = m.MarkDeleted(ctx, ksuid.New().String(), "johndoe")
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
}
