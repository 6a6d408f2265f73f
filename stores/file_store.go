package stores

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	se "wuyrush.io/linkvault/errors"
)

// FileStore stores uploaded files of arbitrary type (note a file is just a byte sequence)
type FileStore interface {
	// Ref returns the reference of file in file storage layer for future persistence and access. It should
	// always be deterministic based on blob ID and filename
	Ref(blobID, filename string) string
	// Save pipes r to the file of given ref and returns the number of bytes written. It fails with
	// Oversized without leaving any data behind if r carries more than max bytes
	Save(ref string, r io.Reader, max int64) (int64, *se.Err)
	Get(ref string) (io.ReadCloser, *se.Err)
	// Delete deletes file from store. It returns NotFound if the file is already gone
	Delete(ref string) *se.Err
	Close() *se.Err
}

// LocalFileStore implements FileStore backed by local file system
type LocalFileStore struct {
	Root string
}

func (fs *LocalFileStore) Ref(blobID, filename string) string {
	// TODO: local fs storage won't scale across hosts; move to an object store once uploads are served by
	// more than one server
	return filepath.Join(fs.Root, blobID, safeName(filename))
}

func safeName(filename string) string {
	n := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if n == "." || n == ".." || n == string(filepath.Separator) || n == "" {
		return "file"
	}
	return n
}

func (fs *LocalFileStore) Save(ref string, r io.Reader, max int64) (int64, *se.Err) {
	// 1. prepare file to host data
	errMsg := "error allocating file storage space"
	dir := filepath.Dir(ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, se.NewServiceFailure(errMsg).WithCause(err)
	}
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, se.NewServiceFailure(errMsg).WithCause(err)
	}
	tmp := f.Name()
	discard := func() {
		f.Close()
		os.Remove(tmp)
	}
	// 2. pipe data to file; read one extra byte to tell oversized input apart
	br := bufio.NewReader(io.LimitReader(r, max+1))
	n, err := br.WriteTo(f)
	if err != nil {
		discard()
		return 0, se.NewServiceFailure("error saving file data").WithCause(err)
	}
	if n > max {
		discard()
		return 0, se.NewOversized().WithMsg(fmt.Sprintf("file exceeds %d bytes", max))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, se.NewServiceFailure("error saving file data").WithCause(err)
	}
	// 3. publish file under its ref only once it is complete
	if err := os.Rename(tmp, ref); err != nil {
		os.Remove(tmp)
		return 0, se.NewServiceFailure("error saving file data").WithCause(err)
	}
	return n, nil
}

func (fs *LocalFileStore) Get(ref string) (io.ReadCloser, *se.Err) {
	f, err := os.Open(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, se.NewNotFound("file not found").WithCause(err)
		}
		return nil, se.NewServiceFailure("error retrieving file").WithCause(err)
	}
	return f, nil
}

func (fs *LocalFileStore) Delete(ref string) *se.Err {
	if err := os.Remove(ref); err != nil {
		if os.IsNotExist(err) {
			return se.NewNotFound("file not found").WithCause(err)
		}
		return se.NewServiceFailure("error removing file").WithCause(err)
	}
	// best-effort removal of the per-blob directory; it fails harmlessly if not empty
	if dir := filepath.Dir(ref); dir != filepath.Clean(fs.Root) {
		os.Remove(dir)
	}
	return nil
}

func (fs *LocalFileStore) Close() *se.Err {
	return nil
}
