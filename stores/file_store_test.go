package stores

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/linkvault/errors"
)

func TestLocalFileStoreRef(t *testing.T) {
	fs := &LocalFileStore{Root: "/data"}
	tcs := []struct {
		filename string
		expected string
	}{
		{"foo.txt", "/data/blob/foo.txt"},
		{"../../etc/passwd", "/data/blob/passwd"},
		{`..\..\boot.ini`, "/data/blob/boot.ini"},
		{"..", "/data/blob/file"},
		{"", "/data/blob/file"},
	}
	for _, c := range tcs {
		assert.Equal(t, c.expected, fs.Ref("blob", c.filename), "unexpected ref for %q", c.filename)
	}
}

func TestLocalFileStoreLifecycle(t *testing.T) {
	fs := &LocalFileStore{Root: t.TempDir()}
	ref := fs.Ref("blob", "foo.txt")
	n, err := fs.Save(ref, strings.NewReader("foo"), 3)
	require.Nil(t, err)
	assert.Equal(t, int64(3), n)

	rc, err := fs.Get(ref)
	require.Nil(t, err)
	b, rerr := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, rerr)
	assert.Equal(t, "foo", string(b))

	require.Nil(t, fs.Delete(ref))
	_, statErr := os.Stat(filepath.Dir(ref))
	assert.True(t, os.IsNotExist(statErr), "empty blob directory should be removed")

	err = fs.Delete(ref)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
	_, err = fs.Get(ref)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
}

func TestLocalFileStoreOversized(t *testing.T) {
	fs := &LocalFileStore{Root: t.TempDir()}
	ref := fs.Ref("blob", "foo.txt")
	_, err := fs.Save(ref, strings.NewReader("foobar"), 3)
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeOversized, err.Code)
	}
	entries, rerr := os.ReadDir(filepath.Dir(ref))
	require.NoError(t, rerr)
	assert.Empty(t, entries, "no partial data shall be left behind")
}
