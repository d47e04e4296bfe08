// Package fuseadapter implements the FUSE adapter (C8): the go-fuse/v2 node
// tree that maps kernel callbacks onto the path resolver (C6), overlay (C5),
// and blob store (C1), translating AppFS's structured errors to negated
// errno per pkg/errors.Errno.
//
// Unlike the teacher's FileSystem, which builds a lazy inode tree cached
// against a flat object-store key space, every Node here re-resolves its
// virtual path on each operation: C6 and C7 already own freshness and
// caching, so the adapter stays a thin, stateless translation layer.
package fuseadapter

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/appfs/appfsd/internal/attrcache"
	"github.com/appfs/appfsd/internal/authctx"
	"github.com/appfs/appfsd/internal/blobstore"
	"github.com/appfs/appfsd/internal/overlay"
	"github.com/appfs/appfsd/internal/pathinfo"
	"github.com/appfs/appfsd/internal/resolver"
	apperrors "github.com/appfs/appfsd/pkg/errors"
)

// maxSymlinkTarget bounds readlink results, mirroring the original daemon's
// fixed-size link buffer.
const maxSymlinkTarget = 4096

// Adapter wires the resolver, overlay, and blob store into the go-fuse node
// tree. A single Adapter is shared by every Node.
type Adapter struct {
	resolver *resolver.Resolver
	overlay  *overlay.Overlay
	blobs    *blobstore.Store
	attrs    *attrcache.Cache
	readOnly bool
}

// New builds an Adapter. readOnly rejects every mutating callback with
// EACCES regardless of overlay state, for `-o rw`-less mounts.
func New(r *resolver.Resolver, ov *overlay.Overlay, blobs *blobstore.Store, attrs *attrcache.Cache, readOnly bool) *Adapter {
	return &Adapter{resolver: r, overlay: ov, blobs: blobs, attrs: attrs, readOnly: readOnly}
}

// Root returns the root inode embedder for fs.Mount.
func (a *Adapter) Root() fs.InodeEmbedder {
	return &Node{a: a, virtualPath: "/"}
}

// Node is a single FUSE inode identified by its fully resolved virtual
// path.
type Node struct {
	fs.Inode
	a           *Adapter
	virtualPath string
}

var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeMknoder    = (*Node)(nil)
	_ fs.NodeSymlinker  = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
)

func callerFrom(ctx context.Context) authctx.Caller {
	if c, ok := fuse.FromContext(ctx); ok {
		return authctx.Caller{UID: c.Uid, GID: c.Gid}
	}
	return authctx.Caller{}
}

func joinVirtual(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// toErrno maps both AppFS structured errors and raw syscall errors (from
// os.* calls against overlay paths) to a negated errno.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var appErr *apperrors.AppFSError
	if stderrors.As(err, &appErr) {
		return apperrors.Errno(appErr)
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// typeBitsFor returns the S_IF* bits for info.Type.
func typeBitsFor(t pathinfo.Type) uint32 {
	switch t {
	case pathinfo.TypeDirectory:
		return fuse.S_IFDIR
	case pathinfo.TypeSymlink:
		return fuse.S_IFLNK
	case pathinfo.TypeFifo:
		return fuse.S_IFIFO
	case pathinfo.TypeSocket:
		return fuse.S_IFSOCK
	default:
		return fuse.S_IFREG
	}
}

// modeFor derives the full FUSE stat mode for info. Overlay-backed entries
// (HasRawMode) carry their own permission bits straight through, so chmod
// round-trips exactly. Manifest-only entries synthesize permission bits
// from the flag-character perms C6 parsed: 0555 base, +0111 executable,
// +04000 suid-root, world-accessible masks group/other open, and any
// packaged-but-not-suid entry is reported owner-writable (+0200) and owned
// by the querying caller.
func modeFor(info pathinfo.PathInfo) uint32 {
	typeBits := typeBitsFor(info.Type)
	if info.HasRawMode {
		return typeBits | (info.RawMode & 07777)
	}

	perm := uint32(0555)
	if info.Executable {
		perm |= 0111
	}
	if info.SuidRoot {
		perm |= 04000
	}
	if info.WorldReadable {
		perm &^= 077
	}
	if info.Packaged && !info.SuidRoot {
		perm |= 0200
	}
	return typeBits | perm
}

func ownerFor(info pathinfo.PathInfo, caller authctx.Caller) fuse.Owner {
	if info.Packaged && !info.SuidRoot {
		return fuse.Owner{Uid: caller.UID, Gid: caller.GID}
	}
	return fuse.Owner{Uid: 0, Gid: 0}
}

func fillAttr(attr *fuse.Attr, info pathinfo.PathInfo, caller authctx.Caller) {
	attr.Mode = modeFor(info)
	attr.Size = uint64(info.Size)
	attr.Ino = uint64(info.Inode)
	mtime := uint64(info.ModTime.Unix())
	attr.Mtime, attr.Atime, attr.Ctime = mtime, mtime, mtime
	attr.Nlink = 1
	if info.IsDir() {
		attr.Nlink = uint32(2 + len(info.Children))
	}
	attr.Owner = ownerFor(info, caller)
}

func stableAttrFor(info pathinfo.PathInfo) fs.StableAttr {
	return fs.StableAttr{Mode: typeBitsFor(info.Type), Ino: uint64(info.Inode)}
}

// Lookup resolves a single path component under n via the resolver.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	caller := callerFrom(ctx)
	childPath := joinVirtual(n.virtualPath, name)

	info, err := n.a.resolver.Resolve(ctx, childPath, caller)
	if err != nil {
		return nil, toErrno(err)
	}
	if info.Type == pathinfo.TypeUnknown {
		return nil, syscall.ENOENT
	}

	fillAttr(&out.Attr, info, caller)
	child := &Node{a: n.a, virtualPath: childPath}
	return n.NewInode(ctx, child, stableAttrFor(info)), 0
}

// Getattr re-resolves n.virtualPath and fills out.
func (n *Node) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	caller := callerFrom(ctx)
	info, err := n.a.resolver.Resolve(ctx, n.virtualPath, caller)
	if err != nil {
		return toErrno(err)
	}
	if info.Type == pathinfo.TypeUnknown {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, info, caller)
	return 0
}

// Readdir enumerates n's children as reported by the resolver.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	caller := callerFrom(ctx)
	info, err := n.a.resolver.Resolve(ctx, n.virtualPath, caller)
	if err != nil {
		return nil, toErrno(err)
	}
	if !info.IsDir() {
		return nil, syscall.ENOTDIR
	}

	entries := make([]fuse.DirEntry, 0, len(info.Children))
	for _, name := range info.Children {
		childInfo, err := n.a.resolver.Resolve(ctx, joinVirtual(n.virtualPath, name), caller)
		if err != nil || childInfo.Type == pathinfo.TypeUnknown {
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: typeBitsFor(childInfo.Type),
			Ino:  uint64(childInfo.Inode),
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Readlink returns a symlink's target.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	caller := callerFrom(ctx)
	info, err := n.a.resolver.Resolve(ctx, n.virtualPath, caller)
	if err != nil {
		return nil, toErrno(err)
	}
	if info.Type != pathinfo.TypeSymlink {
		return nil, syscall.EINVAL
	}
	if len(info.LinkTarget) > maxSymlinkTarget {
		return nil, syscall.ENAMETOOLONG
	}
	return []byte(info.LinkTarget), 0
}

// Open opens an existing path for reading or writing. Directories return
// EISDIR; O_CREAT is handled by Create instead.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	caller := callerFrom(ctx)
	info, err := n.a.resolver.Resolve(ctx, n.virtualPath, caller)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	if info.Type == pathinfo.TypeUnknown {
		return nil, 0, syscall.ENOENT
	}
	if info.IsDir() {
		return nil, 0, syscall.EISDIR
	}

	write := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if write && n.a.readOnly {
		return nil, 0, syscall.EACCES
	}

	mode := overlay.ModeRead
	if write {
		mode = overlay.ModeWrite
	}

	if info.Packaged && !n.a.overlay.HasShadow(n.virtualPath, caller.UID) {
		if err := n.a.resolver.EnsureBlobFetched(ctx, info.Hostname, info.BlobHash); err != nil {
			return nil, 0, toErrno(err)
		}
	}

	var local string
	openErr := authctx.RunAs(caller, func() error {
		var err error
		local, err = n.a.overlay.OpenPath(n.virtualPath, caller.UID, mode, info.Packaged, info.BlobHash)
		return err
	})
	if openErr != nil {
		return nil, 0, toErrno(openErr)
	}

	osFlags := os.O_RDONLY
	if write {
		osFlags = os.O_RDWR
	}
	f, err := os.OpenFile(local, osFlags, 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	if write {
		n.a.attrs.FlushUID(caller.UID)
	}
	return &FileHandle{file: f, write: write}, 0, 0
}

// Create creates a brand-new overlay-backed file.
func (n *Node) Create(ctx context.Context, name string, _ uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.a.readOnly {
		return nil, nil, 0, syscall.EACCES
	}
	caller := callerFrom(ctx)
	childPath := joinVirtual(n.virtualPath, name)

	var f *os.File
	err := authctx.RunAs(caller, func() error {
		local, err := n.a.overlay.PrepareToCreate(childPath, caller.UID)
		if err != nil {
			return err
		}
		f, err = os.OpenFile(local, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(mode&0777))
		return err
	})
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	n.a.attrs.FlushUID(caller.UID)

	info, err := n.a.resolver.Resolve(ctx, childPath, caller)
	if err != nil {
		f.Close()
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(&out.Attr, info, caller)

	child := &Node{a: n.a, virtualPath: childPath}
	inode := n.NewInode(ctx, child, stableAttrFor(info))
	return inode, &FileHandle{file: f, write: true}, 0, 0
}

// Mkdir creates an overlay-only directory; synthetic namespace levels
// (depth <= 4) are rejected by PrepareToCreate before any syscall runs.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.a.readOnly {
		return nil, syscall.EACCES
	}
	caller := callerFrom(ctx)
	childPath := joinVirtual(n.virtualPath, name)

	err := authctx.RunAs(caller, func() error {
		local, err := n.a.overlay.PrepareToCreate(childPath, caller.UID)
		if err != nil {
			return err
		}
		return os.Mkdir(local, os.FileMode(mode&0777))
	})
	if err != nil {
		return nil, toErrno(err)
	}
	n.a.attrs.FlushUID(caller.UID)

	info, err := n.a.resolver.Resolve(ctx, childPath, caller)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, info, caller)
	child := &Node{a: n.a, virtualPath: childPath}
	return n.NewInode(ctx, child, stableAttrFor(info)), 0
}

// Mknod rejects block and character devices with EPERM; fifos and sockets
// are created in the overlay like any other node.
func (n *Node) Mknod(ctx context.Context, name string, mode, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.a.readOnly {
		return nil, syscall.EACCES
	}
	switch mode &^ 07777 {
	case syscall.S_IFBLK, syscall.S_IFCHR:
		return nil, syscall.EPERM
	}

	caller := callerFrom(ctx)
	childPath := joinVirtual(n.virtualPath, name)

	err := authctx.RunAs(caller, func() error {
		local, err := n.a.overlay.PrepareToCreate(childPath, caller.UID)
		if err != nil {
			return err
		}
		return unix.Mknod(local, mode, int(dev))
	})
	if err != nil {
		return nil, toErrno(err)
	}
	n.a.attrs.FlushUID(caller.UID)

	info, err := n.a.resolver.Resolve(ctx, childPath, caller)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, info, caller)
	child := &Node{a: n.a, virtualPath: childPath}
	return n.NewInode(ctx, child, stableAttrFor(info)), 0
}

// Symlink creates an overlay-backed symlink pointing at target.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.a.readOnly {
		return nil, syscall.EACCES
	}
	caller := callerFrom(ctx)
	childPath := joinVirtual(n.virtualPath, name)

	err := authctx.RunAs(caller, func() error {
		local, err := n.a.overlay.PrepareToCreate(childPath, caller.UID)
		if err != nil {
			return err
		}
		return os.Symlink(target, local)
	})
	if err != nil {
		return nil, toErrno(err)
	}
	n.a.attrs.FlushUID(caller.UID)

	info, err := n.a.resolver.Resolve(ctx, childPath, caller)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, info, caller)
	child := &Node{a: n.a, virtualPath: childPath}
	return n.NewInode(ctx, child, stableAttrFor(info)), 0
}

// Unlink removes a file or symlink, tombstoning it when it is still
// described by the manifest.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.a.readOnly {
		return syscall.EACCES
	}
	caller := callerFrom(ctx)
	childPath := joinVirtual(n.virtualPath, name)

	info, err := n.a.resolver.Resolve(ctx, childPath, caller)
	if err != nil {
		return toErrno(err)
	}
	if info.Type == pathinfo.TypeUnknown {
		return syscall.ENOENT
	}
	if info.IsDir() {
		return syscall.EISDIR
	}

	err = authctx.RunAs(caller, func() error {
		return n.a.overlay.UnlinkPath(childPath, caller.UID, info.Packaged)
	})
	if err != nil {
		return toErrno(err)
	}
	n.a.attrs.FlushUID(caller.UID)
	return 0
}

// Rmdir removes an overlay-only, empty directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.a.readOnly {
		return syscall.EACCES
	}
	caller := callerFrom(ctx)
	childPath := joinVirtual(n.virtualPath, name)

	info, err := n.a.resolver.Resolve(ctx, childPath, caller)
	if err != nil {
		return toErrno(err)
	}
	if info.Type == pathinfo.TypeUnknown {
		return syscall.ENOENT
	}
	if !info.IsDir() {
		return syscall.ENOTDIR
	}
	if len(info.Children) > 0 {
		return syscall.ENOTEMPTY
	}

	err = authctx.RunAs(caller, func() error {
		return n.a.overlay.RemoveDir(childPath, caller.UID)
	})
	if err != nil {
		return toErrno(err)
	}
	n.a.attrs.FlushUID(caller.UID)
	return 0
}

// Setattr handles truncate and chmod, forcing copy-up via C5.LocalPath
// before the syscall runs under the caller's fsuid/fsgid.
func (n *Node) Setattr(ctx context.Context, _ fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.a.readOnly {
		return syscall.EACCES
	}
	caller := callerFrom(ctx)
	info, err := n.a.resolver.Resolve(ctx, n.virtualPath, caller)
	if err != nil {
		return toErrno(err)
	}
	if info.Type == pathinfo.TypeUnknown {
		return syscall.ENOENT
	}

	size, hasSize := in.GetSize()
	mode, hasMode := in.GetMode()

	if hasSize || hasMode {
		if info.Packaged && !n.a.overlay.HasShadow(n.virtualPath, caller.UID) {
			if err := n.a.resolver.EnsureBlobFetched(ctx, info.Hostname, info.BlobHash); err != nil {
				return toErrno(err)
			}
		}

		var local string
		prepErr := authctx.RunAs(caller, func() error {
			var err error
			local, err = n.a.overlay.LocalPath(n.virtualPath, caller.UID, info.Packaged, info.BlobHash)
			return err
		})
		if prepErr != nil {
			return toErrno(prepErr)
		}

		if hasSize {
			truncErr := authctx.RunAs(caller, func() error {
				return os.Truncate(local, int64(size))
			})
			if truncErr != nil {
				return toErrno(truncErr)
			}
		}
		if hasMode {
			chmodErr := authctx.RunAs(caller, func() error {
				return os.Chmod(local, os.FileMode(mode&0777))
			})
			if chmodErr != nil {
				return toErrno(chmodErr)
			}
		}
		n.a.attrs.FlushUID(caller.UID)
	}

	info, err = n.a.resolver.Resolve(ctx, n.virtualPath, caller)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, info, caller)
	return 0
}

// FileHandle is an open overlay or blob-store file descriptor.
type FileHandle struct {
	file  *os.File
	write bool
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// Read performs a single pread; short reads at EOF are returned as-is.
func (h *FileHandle) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.file.ReadAt(dest, off)
	if err != nil && !stderrors.Is(err, io.EOF) {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write performs a single pwrite.
func (h *FileHandle) Write(_ context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.file.WriteAt(data, off)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

// Flush is called on every close() of a descriptor and returns success
// without syncing anything.
func (h *FileHandle) Flush(context.Context) syscall.Errno {
	if !h.write {
		return 0
	}
	return 0
}

// Release closes the underlying file descriptor.
func (h *FileHandle) Release(context.Context) syscall.Errno {
	if err := h.file.Close(); err != nil {
		return toErrno(err)
	}
	return 0
}
