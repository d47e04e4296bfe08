// Package blobstore implements the content-addressed blob store (C1): an
// immutable, SHA-1-keyed directory tree shared by every fetched package
// manifest and file. Inserts stream into a temp file in the same directory
// as the final location and rename atomically into place, so readers only
// ever observe a complete blob or no blob at all.
package blobstore

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/appfs/appfsd/pkg/errors"
)

// Store is a disk-backed, content-addressed blob store rooted at a single
// cache directory. It is safe for concurrent use: concurrent inserts of the
// same hash race harmlessly to the same final bytes, and readers never see
// a partially-written file.
type Store struct {
	dir string
}

// Open roots a Store at dir, creating the directory tree if necessary.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "blobstore: empty directory").
			WithComponent("blobstore").WithOperation("Open")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodeCatalogIO, "blobstore: create root").
			WithCause(err).WithComponent("blobstore").WithOperation("Open")
	}
	return &Store{dir: dir}, nil
}

// Has reports whether a blob with the given hex-encoded SHA-1 hash is
// present as a regular file (an empty blob counts as present).
func (s *Store) Has(hash string) bool {
	info, err := os.Stat(s.PathFor(hash))
	return err == nil && info.Size() >= 0 && !info.IsDir()
}

// PathFor returns the final on-disk path for hash, whether or not the blob
// is currently present. Layout: sha1/<first-2-hex>/<remaining-38-hex>.
func (s *Store) PathFor(hash string) string {
	hash = normalizeHash(hash)
	if len(hash) != 40 {
		return filepath.Join(s.dir, "sha1", "invalid", hash)
	}
	return filepath.Join(s.dir, "sha1", hash[:2], hash[2:])
}

// InsertAtomic streams r into the store, hashing as it writes, and renames
// the result into place only if the computed digest matches expectedHash.
// On mismatch the temp file is removed and an AppFSError with
// ErrCodeDigestMismatch is returned; the final location is left untouched.
func (s *Store) InsertAtomic(r io.Reader, expectedHash string) error {
	expectedHash = normalizeHash(expectedHash)
	final := s.PathFor(expectedHash)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "blobstore: create shard directory").
			WithCause(err).WithComponent("blobstore").WithOperation("InsertAtomic")
	}

	tmp, err := os.CreateTemp(dir, ".tmp-insert-*")
	if err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "blobstore: create temp file").
			WithCause(err).WithComponent("blobstore").WithOperation("InsertAtomic")
	}
	tmpName := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	h := sha1.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		return errors.NewError(errors.ErrCodeFetchFailed, "blobstore: write temp file").
			WithCause(err).WithComponent("blobstore").WithOperation("InsertAtomic")
	}
	if err := tmp.Close(); err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "blobstore: close temp file").
			WithCause(err).WithComponent("blobstore").WithOperation("InsertAtomic")
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != expectedHash {
		return errors.NewError(errors.ErrCodeDigestMismatch,
			fmt.Sprintf("blobstore: digest mismatch: want %s got %s", expectedHash, got)).
			WithDetail("expected", expectedHash).WithDetail("got", got).
			WithComponent("blobstore").WithOperation("InsertAtomic")
	}

	if err := os.Rename(tmpName, final); err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "blobstore: rename into place").
			WithCause(err).WithComponent("blobstore").WithOperation("InsertAtomic")
	}
	succeeded = true
	return nil
}

// OpenBlob returns a reader for the blob at hash. Callers must Close it.
func (s *Store) OpenBlob(hash string) (*os.File, error) {
	f, err := os.Open(s.PathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewError(errors.ErrCodeNotExist, "blobstore: blob not present").
				WithDetail("hash", hash).WithComponent("blobstore").WithOperation("OpenBlob")
		}
		return nil, errors.NewError(errors.ErrCodeCatalogIO, "blobstore: open blob").
			WithCause(err).WithComponent("blobstore").WithOperation("OpenBlob")
	}
	return f, nil
}

// ReadAll reads the entire contents of the blob at hash.
func (s *Store) ReadAll(hash string) ([]byte, error) {
	f, err := s.OpenBlob(hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func normalizeHash(hash string) string {
	out := make([]byte, 0, len(hash))
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if c >= 'A' && c <= 'F' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
