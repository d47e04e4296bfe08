// Package overlay implements the per-user copy-on-write overlay (C5): a
// writable shadow of the read-only packaged tree, rooted at
// <cachedir>/overlay/<uid>/<virtualPath>, with zero-byte tombstone markers
// at <cachedir>/overlay/<uid>/.tombstone/<virtualPath> recording paths a
// user has removed that still exist in the package.
//
// Copy-up (turning a purely-packaged file into an overlay-backed one before
// its first write) follows the same atomic temp-then-rename discipline as
// the blob store, grounded on the teacher's persistent-cache write path.
package overlay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/appfs/appfsd/internal/attrcache"
	"github.com/appfs/appfsd/internal/authctx"
	"github.com/appfs/appfsd/internal/blobstore"
	"github.com/appfs/appfsd/pkg/errors"
	"github.com/appfs/appfsd/pkg/utils"
)

// Mode selects the access intent of OpenPath.
type Mode int

const (
	// ModeRead opens for reading only; no copy-up occurs.
	ModeRead Mode = iota
	// ModeWrite opens for writing an existing path, triggering copy-up if
	// the path is currently purely packaged.
	ModeWrite
	// ModeCreate creates a brand-new overlay path.
	ModeCreate
)

// Overlay manages the per-uid shadow tree rooted at dir.
type Overlay struct {
	dir   string
	blobs *blobstore.Store
	attrs *attrcache.Cache
}

// New roots an Overlay at dir (typically <cachedir>/overlay). blobs supplies
// copy-up source bytes; attrs is invalidated for (path, uid) after any
// copy-up, per spec.md C5.
func New(dir string, blobs *blobstore.Store, attrs *attrcache.Cache) *Overlay {
	return &Overlay{dir: dir, blobs: blobs, attrs: attrs}
}

// ShadowPath returns the on-disk path of virtualPath's shadow copy for uid,
// regardless of whether it currently exists. virtualPath is expected to come
// from the resolver's own layered parse, never raw FUSE path text, but the
// join still guards against an unexpected ".." segment escaping uid's shadow
// root rather than trusting the caller.
func (o *Overlay) ShadowPath(virtualPath string, uid uint32) string {
	return shadowJoin(authctx.HomeDirectory(o.dir, uid), virtualPath)
}

// TombstonePath returns the on-disk path of virtualPath's tombstone marker
// for uid.
func (o *Overlay) TombstonePath(virtualPath string, uid uint32) string {
	return shadowJoin(authctx.TombstoneDirectory(o.dir, uid), virtualPath)
}

// shadowJoin joins virtualPath onto base, confined to stay within base. A
// path that would escape base falls back to base itself rather than ever
// resolving outside the per-uid shadow tree.
func shadowJoin(base, virtualPath string) string {
	rel := filepath.FromSlash(strings.TrimPrefix(virtualPath, "/"))
	if rel == "" {
		return base
	}
	joined, err := utils.SecureJoin(base, rel)
	if err != nil {
		return base
	}
	return joined
}

// HasTombstone reports whether uid has tombstoned virtualPath.
func (o *Overlay) HasTombstone(virtualPath string, uid uint32) bool {
	_, err := os.Stat(o.TombstonePath(virtualPath, uid))
	return err == nil
}

// HasShadow reports whether uid has a shadow (or local, non-packaged) entry
// at virtualPath.
func (o *Overlay) HasShadow(virtualPath string, uid uint32) bool {
	_, err := os.Stat(o.ShadowPath(virtualPath, uid))
	return err == nil
}

func depth(virtualPath string) int {
	trimmed := strings.Trim(virtualPath, "/")
	if trimmed == "" {
		return 0
	}
	return len(strings.Split(trimmed, "/"))
}

// PrepareToCreate creates the parent directories of virtualPath under uid's
// shadow tree and returns the local path to create there, for
// open(O_CREAT), mknod, mkdir, and symlink. Paths at or above depth 4
// (site, package, os-arch, version) cannot be created: only in-package
// paths may be shadowed.
func (o *Overlay) PrepareToCreate(virtualPath string, uid uint32) (string, error) {
	if depth(virtualPath) <= 4 {
		return "", errors.NewError(errors.ErrCodePermissionDenied,
			fmt.Sprintf("overlay: cannot create synthetic path %q", virtualPath)).
			WithComponent("overlay").WithOperation("PrepareToCreate")
	}

	local := o.ShadowPath(virtualPath, uid)
	if err := os.MkdirAll(filepath.Dir(local), 0750); err != nil {
		return "", errors.NewError(errors.ErrCodeCatalogIO, "overlay: create parent directories").
			WithCause(err).WithComponent("overlay").WithOperation("PrepareToCreate")
	}
	if err := removeTombstone(o.TombstonePath(virtualPath, uid)); err != nil {
		return "", err
	}
	return local, nil
}

// LocalPath returns the overlay path for truncate/chmod, copying up from
// the blob store first if virtualPath is currently purely packaged. Copy-up
// is atomic (temp file, then rename) and invalidates the attribute cache
// entry for (virtualPath, uid) on success.
func (o *Overlay) LocalPath(virtualPath string, uid uint32, packaged bool, blobHash string) (string, error) {
	local := o.ShadowPath(virtualPath, uid)

	if o.HasShadow(virtualPath, uid) {
		return local, nil
	}
	if !packaged {
		// Not packaged and no shadow: nothing to copy up from. The caller
		// creates it directly (e.g. via PrepareToCreate) before calling
		// LocalPath for truncate/chmod.
		if err := os.MkdirAll(filepath.Dir(local), 0750); err != nil {
			return "", errors.NewError(errors.ErrCodeCatalogIO, "overlay: create parent directories").
				WithCause(err).WithComponent("overlay").WithOperation("LocalPath")
		}
		return local, nil
	}

	if err := o.copyUp(local, blobHash); err != nil {
		return "", err
	}
	o.attrs.InvalidatePath(virtualPath, uid)
	return local, nil
}

func (o *Overlay) copyUp(local, blobHash string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0750); err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: create parent directories").
			WithCause(err).WithComponent("overlay").WithOperation("copyUp")
	}

	src, err := o.blobs.OpenBlob(blobHash)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(local), ".tmp-copyup-*")
	if err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: create copy-up temp file").
			WithCause(err).WithComponent("overlay").WithOperation("copyUp")
	}
	tmpName := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: copy-up write").
			WithCause(err).WithComponent("overlay").WithOperation("copyUp")
	}
	if err := tmp.Close(); err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: close copy-up temp file").
			WithCause(err).WithComponent("overlay").WithOperation("copyUp")
	}
	if err := os.Rename(tmpName, local); err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: rename copy-up into place").
			WithCause(err).WithComponent("overlay").WithOperation("copyUp")
	}
	succeeded = true
	return nil
}

// OpenPath resolves the local filesystem path to open for virtualPath under
// mode. ModeRead returns the blob-store path when packaged and blobHash is
// set, else the overlay path. ModeWrite triggers copy-up as needed. ModeCreate
// creates a fresh overlay path via PrepareToCreate.
func (o *Overlay) OpenPath(virtualPath string, uid uint32, mode Mode, packaged bool, blobHash string) (string, error) {
	switch mode {
	case ModeRead:
		if packaged && !o.HasShadow(virtualPath, uid) {
			return o.blobs.PathFor(blobHash), nil
		}
		return o.ShadowPath(virtualPath, uid), nil
	case ModeWrite:
		return o.LocalPath(virtualPath, uid, packaged, blobHash)
	case ModeCreate:
		return o.PrepareToCreate(virtualPath, uid)
	default:
		return "", errors.NewError(errors.ErrCodeInternal, "overlay: unknown open mode").
			WithComponent("overlay").WithOperation("OpenPath")
	}
}

// UnlinkPath removes uid's overlay copy of virtualPath, if any, and writes a
// tombstone when stillPackaged is true so the path is hidden even though
// the manifest continues to describe it.
func (o *Overlay) UnlinkPath(virtualPath string, uid uint32, stillPackaged bool) error {
	local := o.ShadowPath(virtualPath, uid)
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: remove shadow file").
			WithCause(err).WithComponent("overlay").WithOperation("UnlinkPath")
	}

	if stillPackaged {
		return o.writeTombstone(virtualPath, uid)
	}
	return nil
}

// RemoveDir removes an overlay-only directory; it does not consult the
// manifest and never writes a tombstone (directories in the virtual
// namespace are always synthesized, never individually tombstoned).
func (o *Overlay) RemoveDir(virtualPath string, uid uint32) error {
	local := o.ShadowPath(virtualPath, uid)
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: remove shadow directory").
			WithCause(err).WithComponent("overlay").WithOperation("RemoveDir")
	}
	return nil
}

func (o *Overlay) writeTombstone(virtualPath string, uid uint32) error {
	tomb := o.TombstonePath(virtualPath, uid)
	if err := os.MkdirAll(filepath.Dir(tomb), 0750); err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: create tombstone directory").
			WithCause(err).WithComponent("overlay").WithOperation("writeTombstone")
	}
	f, err := os.Create(tomb)
	if err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: write tombstone").
			WithCause(err).WithComponent("overlay").WithOperation("writeTombstone")
	}
	return f.Close()
}

func removeTombstone(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeCatalogIO, "overlay: clear tombstone").
			WithCause(err).WithComponent("overlay").WithOperation("removeTombstone")
	}
	return nil
}
