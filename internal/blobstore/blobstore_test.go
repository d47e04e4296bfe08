package blobstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/appfs/appfsd/pkg/errors"
)

func hashOf(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

func TestInsertAtomicAndHas(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	data := []byte("hello appfs")
	hash := hashOf(data)

	if s.Has(hash) {
		t.Fatal("expected blob to be absent before insert")
	}

	if err := s.InsertAtomic(bytes.NewReader(data), hash); err != nil {
		t.Fatalf("InsertAtomic() error = %v", err)
	}
	if !s.Has(hash) {
		t.Fatal("expected blob to be present after insert")
	}

	got, err := s.ReadAll(hash)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadAll() = %q, want %q", got, data)
	}
}

func TestPathForLayout(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	hash := "AABBCCDDEE00112233445566778899AABBCCDDEE"[:40]
	want := filepath.Join(dir, "sha1", "aa", "bbccddee00112233445566778899aabbccddee")
	if got := s.PathFor(hash); got != want {
		t.Errorf("PathFor() = %q, want %q", got, want)
	}
}

func TestInsertAtomicDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	data := []byte("real content")
	wrongHash := hashOf([]byte("different content"))

	err := s.InsertAtomic(bytes.NewReader(data), wrongHash)
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
	var appErr *errors.AppFSError
	if !stderrAs(err, &appErr) {
		t.Fatalf("expected *errors.AppFSError, got %T", err)
	}
	if appErr.Code != errors.ErrCodeDigestMismatch {
		t.Errorf("Code = %v, want ErrCodeDigestMismatch", appErr.Code)
	}

	if s.Has(wrongHash) {
		t.Error("blob store must not retain bytes that failed digest verification")
	}

	entries, _ := os.ReadDir(filepath.Dir(s.PathFor(wrongHash)))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == "" && e.Name()[0] == '.' {
			t.Errorf("leftover temp file not cleaned up: %s", e.Name())
		}
	}
}

func TestInsertAtomicConcurrentSameHash(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	data := []byte("concurrent payload")
	hash := hashOf(data)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = s.InsertAtomic(bytes.NewReader(data), hash)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Errorf("concurrent InsertAtomic() error = %v", err)
		}
	}

	got, err := s.ReadAll(hash)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadAll() = %q, want %q", got, data)
	}
}

func TestOpenBlobNotExist(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	_, err := s.OpenBlob(hashOf([]byte("never inserted")))
	if err == nil {
		t.Fatal("expected error for missing blob")
	}
	var appErr *errors.AppFSError
	if stderrAs(err, &appErr) && appErr.Code != errors.ErrCodeNotExist {
		t.Errorf("Code = %v, want ErrCodeNotExist", appErr.Code)
	}
}

// stderrAs avoids importing "errors" under a package named errors in this
// file's import list.
func stderrAs(err error, target **errors.AppFSError) bool {
	for err != nil {
		if e, ok := err.(*errors.AppFSError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
