package sweeper

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
	st "wuyrush.io/linkvault/stores"
)

var testConfig = Config{
	SweepFreq:           10 * time.Millisecond,
	ExecutorPoolSize:    2,
	WIPCacheSize:        16,
	WIPCacheEntryExpiry: time.Minute,
}

type fixture struct {
	store *st.MemoryStore
	files *st.LocalFileStore
	sw    *Sweeper
}

func newFixture(t *testing.T) *fixture {
	store, files := st.NewMemoryStore(), &st.LocalFileStore{Root: t.TempDir()}
	sw, err := New(store, files, testConfig)
	require.Nil(t, err)
	return &fixture{store: store, files: files, sw: sw}
}

// put stores a file content expiring at given time and returns it
func (f *fixture) put(t *testing.T, expiry time.Time) *md.Content {
	ref := f.files.Ref(ksuid.New().String(), "foo.txt")
	_, err := f.files.Save(ref, strings.NewReader("foo"), 16)
	require.Nil(t, err)
	c := &md.Content{
		ID:           ksuid.New().String(),
		Payload:      md.FilePayload{Ref: ref, Name: "foo.txt", Size: 3},
		CreationTime: expiry.Add(-time.Hour),
		Expiry:       expiry,
	}
	require.Nil(t, f.store.Put(context.Background(), c))
	return c
}

func fileExists(ref string) bool {
	_, err := os.Stat(ref)
	return err == nil
}

func TestSweepReclaimsOnlyJunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	stale := f.put(t, now.Add(-time.Minute))
	live := f.put(t, now.Add(time.Hour))
	tombstoned := f.put(t, now.Add(time.Hour))
	_, err := f.store.Update(ctx, tombstoned.ID, func(c *md.Content) *se.Err {
		c.Deleted = true
		return nil
	})
	require.Nil(t, err)

	swept, err := f.sw.Sweep(ctx)
	require.Nil(t, err)
	assert.Equal(t, 2, swept)

	for _, c := range []*md.Content{stale, tombstoned} {
		_, gerr := f.store.Get(ctx, c.ID)
		if assert.NotNil(t, gerr) {
			assert.Equal(t, se.ErrCodeNotFound, gerr.Code)
		}
		fp, _ := c.File()
		assert.False(t, fileExists(fp.Ref), "file of junk content must be released")
	}
	_, gerr := f.store.Get(ctx, live.ID)
	assert.Nil(t, gerr)
	fp, _ := live.File()
	assert.True(t, fileExists(fp.Ref), "file of live content must be kept")
}

func TestSweepToleratesMissingFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.put(t, time.Now().Add(-time.Minute))
	fp, _ := c.File()
	require.NoError(t, os.Remove(fp.Ref))

	swept, err := f.sw.Sweep(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, swept)
	_, gerr := f.store.Get(ctx, c.ID)
	assert.NotNil(t, gerr)
}

type failingFileStore struct {
	st.FileStore
	failRef string
}

func (fs *failingFileStore) Delete(ref string) *se.Err {
	if ref == fs.failRef {
		return se.NewServiceFailure("fake")
	}
	return fs.FileStore.Delete(ref)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	bad := f.put(t, now.Add(-time.Minute))
	good := f.put(t, now.Add(-time.Minute))
	badRef, _ := bad.File()
	f.sw.Files = &failingFileStore{FileStore: f.files, failRef: badRef.Ref}

	swept, err := f.sw.Sweep(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, swept)
	_, gerr := f.store.Get(ctx, good.ID)
	assert.NotNil(t, gerr, "other junk must be reclaimed")
	_, gerr = f.store.Get(ctx, bad.ID)
	assert.Nil(t, gerr, "record must be kept while its file is not released")

	// the failed one stays in WIP cache and is skipped until its entry expires
	jks, lerr := f.sw.Load(ctx, 0)
	require.Nil(t, lerr)
	assert.Empty(t, jks)
}

func TestSweepMaxLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := testConfig
	cfg.MaxSweepLoad = 2
	sw, err := New(f.store, f.files, cfg)
	require.Nil(t, err)
	for i := 0; i < 3; i++ {
		f.put(t, time.Now().Add(-time.Minute))
	}
	swept, serr := sw.Sweep(ctx)
	require.Nil(t, serr)
	assert.Equal(t, 2, swept)
	swept, serr = sw.Sweep(ctx)
	require.Nil(t, serr)
	assert.Equal(t, 1, swept)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	c := f.put(t, time.Now().Add(-time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *se.Err)
	go func() {
		done <- f.sw.Run(ctx)
	}()
	assert.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), c.ID)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfgs := []Config{
		{ExecutorPoolSize: 1, WIPCacheSize: 1},
		{SweepFreq: time.Second, WIPCacheSize: 1},
		{SweepFreq: time.Second, ExecutorPoolSize: 1},
		{SweepFreq: time.Second, ExecutorPoolSize: 1, WIPCacheSize: 1, MaxSweepLoad: -1},
	}
	for _, cfg := range cfgs {
		_, err := New(st.NewMemoryStore(), &st.LocalFileStore{}, cfg)
		if assert.NotNil(t, err, "expect config %+v rejected", cfg) {
			assert.Equal(t, se.ErrCodeAPIBadRequest, err.Code)
		}
	}
}
