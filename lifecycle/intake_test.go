package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"wuyrush.io/linkvault/common/secret"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
	st "wuyrush.io/linkvault/stores"
)

type mockContentStore struct {
	mock.Mock
}

func (m *mockContentStore) Put(ctx context.Context, c *md.Content) *se.Err {
	args := m.Called(ctx, c)
	err, _ := args.Get(0).(*se.Err)
	return err
}

func (m *mockContentStore) Get(ctx context.Context, id string) (*md.Content, *se.Err) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*md.Content)
	err, _ := args.Get(1).(*se.Err)
	return c, err
}

func (m *mockContentStore) Update(ctx context.Context, id string, fn st.Mutation) (*md.Content, *se.Err) {
	args := m.Called(ctx, id, fn)
	c, _ := args.Get(0).(*md.Content)
	err, _ := args.Get(1).(*se.Err)
	return c, err
}

func (m *mockContentStore) ListByOwner(ctx context.Context, ownerID string) ([]*md.Content, *se.Err) {
	args := m.Called(ctx, ownerID)
	cs, _ := args.Get(0).([]*md.Content)
	err, _ := args.Get(1).(*se.Err)
	return cs, err
}

func (m *mockContentStore) Remove(ctx context.Context, id string) *se.Err {
	args := m.Called(ctx, id)
	err, _ := args.Get(0).(*se.Err)
	return err
}

func (m *mockContentStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	args := m.Called(ctx, now, max)
	jks, _ := args.Get(0).([]*md.Junk)
	err, _ := args.Get(1).(*se.Err)
	return jks, err
}

func (m *mockContentStore) Close() *se.Err {
	return nil
}

var testLimits = Limits{
	GoodForDefault: 10 * time.Minute,
	GoodForMin:     time.Minute,
	GoodForMax:     7 * 24 * time.Hour,
	FileSizeMax:    16,
	TextSizeMax:    16,
}

func newTestIntake(t *testing.T, store st.ContentStore) (*Intake, *st.LocalFileStore) {
	files := &st.LocalFileStore{Root: t.TempDir()}
	return NewIntake(store, files, secret.NewBcryptHasher(bcrypt.MinCost), testLimits), files
}

func TestIntakeCreateText(t *testing.T) {
	ctx := context.Background()
	store := st.NewMemoryStore()
	in, _ := newTestIntake(t, store)
	now := time.Now()
	in.Now = func() time.Time { return now }

	c, err := in.Create(ctx, Upload{
		Text:     "  foo  ",
		Password: " s3cret ",
		MaxViews: 2,
		OwnerID:  "johndoe",
	})
	require.Nil(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, md.TextPayload{Body: "foo"}, c.Payload)
	assert.Equal(t, now, c.CreationTime)
	assert.Equal(t, now.Add(testLimits.GoodForDefault), c.Expiry)
	assert.Equal(t, uint64(2), c.MaxViews)
	assert.Equal(t, "johndoe", c.OwnerID)
	ok, verr := in.Hasher.Verify(c.PasswordHash, "s3cret")
	require.Nil(t, verr)
	assert.True(t, ok, "password must be trimmed then hashed")

	stored, gerr := store.Get(ctx, c.ID)
	require.Nil(t, gerr)
	assert.Equal(t, c.Payload, stored.Payload)
}

func TestIntakeCreateOptionalFields(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestIntake(t, st.NewMemoryStore())
	c, err := in.Create(ctx, Upload{Text: "foo", Password: "   ", MaxViews: -3, GoodFor: time.Hour})
	require.Nil(t, err)
	assert.False(t, c.Protected(), "blank password means no password")
	assert.Equal(t, uint64(0), c.MaxViews, "non-positive max views is ignored")
	assert.Equal(t, c.CreationTime.Add(time.Hour), c.Expiry)
}

func TestIntakeCreateFile(t *testing.T) {
	ctx := context.Background()
	in, files := newTestIntake(t, st.NewMemoryStore())
	c, err := in.Create(ctx, Upload{
		File: &FileUpload{Name: "foo.txt", Body: strings.NewReader("hello")},
	})
	require.Nil(t, err)
	fp, ok := c.File()
	require.True(t, ok)
	assert.Equal(t, "foo.txt", fp.Name)
	assert.Equal(t, int64(5), fp.Size)
	assert.Equal(t, "text/plain; charset=utf-8", fp.MIMEType)
	rc, gerr := files.Get(fp.Ref)
	require.Nil(t, gerr)
	defer rc.Close()
	b, rerr := io.ReadAll(rc)
	require.NoError(t, rerr)
	assert.Equal(t, "hello", string(b))
}

func TestIntakeCreateInvalid(t *testing.T) {
	tcs := []struct {
		name    string
		upload  Upload
		expCode se.ErrCode
	}{
		{
			name:    "Empty",
			upload:  Upload{},
			expCode: se.ErrCodeAPIBadRequest,
		},
		{
			name:    "BlankText",
			upload:  Upload{Text: " \n\t "},
			expCode: se.ErrCodeAPIBadRequest,
		},
		{
			name: "TextAndFile",
			upload: Upload{
				Text: "foo",
				File: &FileUpload{Name: "foo.txt", Body: strings.NewReader("foo")},
			},
			expCode: se.ErrCodeAPIBadRequest,
		},
		{
			name:    "FileWithoutName",
			upload:  Upload{File: &FileUpload{Body: strings.NewReader("foo")}},
			expCode: se.ErrCodeAPIBadRequest,
		},
		{
			name:    "GoodForTooShort",
			upload:  Upload{Text: "foo", GoodFor: time.Second},
			expCode: se.ErrCodeAPIBadRequest,
		},
		{
			name:    "GoodForTooLong",
			upload:  Upload{Text: "foo", GoodFor: 30 * 24 * time.Hour},
			expCode: se.ErrCodeAPIBadRequest,
		},
		{
			name:    "PasswordTooLong",
			upload:  Upload{Text: "foo", Password: strings.Repeat("x", 73)},
			expCode: se.ErrCodeAPIBadRequest,
		},
		{
			name:    "TextOversized",
			upload:  Upload{Text: strings.Repeat("x", 17)},
			expCode: se.ErrCodeOversized,
		},
		{
			name:    "FileOversized",
			upload:  Upload{File: &FileUpload{Name: "foo.txt", Body: strings.NewReader(strings.Repeat("x", 17))}},
			expCode: se.ErrCodeOversized,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			store := &mockContentStore{}
			in, _ := newTestIntake(t, store)
			_, err := in.Create(context.Background(), c.upload)
			if assert.NotNil(t, err) {
				assert.Equal(t, c.expCode, err.Code)
			}
			store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
		})
	}
}

func TestIntakeCreateRetriesDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := &mockContentStore{}
	in, _ := newTestIntake(t, store)
	ids := []string{"taken", "free"}
	calls := 0
	in.NewID = func() string {
		id := ids[calls]
		calls++
		return id
	}
	store.On("Put", ctx, mock.MatchedBy(func(c *md.Content) bool { return c.ID == "taken" })).
		Return(se.NewDuplicateID("fake")).Once()
	store.On("Put", ctx, mock.MatchedBy(func(c *md.Content) bool { return c.ID == "free" })).
		Return(nil).Once()

	c, err := in.Create(ctx, Upload{Text: "foo"})
	require.Nil(t, err)
	assert.Equal(t, "free", c.ID)
	store.AssertExpectations(t)
}

func TestIntakeCreateGivesUpOnDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := &mockContentStore{}
	in, files := newTestIntake(t, store)
	calls := 0
	in.NewID = func() string {
		calls++
		return fmt.Sprintf("id-%d", calls)
	}
	store.On("Put", ctx, mock.Anything).Return(se.NewDuplicateID("fake"))

	_, err := in.Create(ctx, Upload{File: &FileUpload{Name: "foo.txt", Body: strings.NewReader("foo")}})
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeServiceFailure, err.Code, "id clash is never shown to uploader")
	}
	assert.Equal(t, 1+dupIDRetries, calls)
	store.AssertNumberOfCalls(t, "Put", 1+dupIDRetries)
	// the saved file is released
	entries, rerr := os.ReadDir(files.Root)
	require.NoError(t, rerr)
	assert.Empty(t, entries)
}

func TestIntakeCreateStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &mockContentStore{}
	in, _ := newTestIntake(t, store)
	store.On("Put", ctx, mock.Anything).Return(se.NewServiceFailure("fake")).Once()
	_, err := in.Create(ctx, Upload{Text: "foo"})
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeServiceFailure, err.Code)
	}
	store.AssertNumberOfCalls(t, "Put", 1)
}
