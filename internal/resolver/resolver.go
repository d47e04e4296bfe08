// Package resolver implements the path resolver (C6): the layered parse
// that turns an absolute virtual path and calling uid into a PathInfo by
// combining synthetic directory layers (root, site, package, os-arch,
// version) with manifest lookup and per-user overlay composition.
package resolver

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/appfs/appfsd/internal/attrcache"
	"github.com/appfs/appfsd/internal/authctx"
	"github.com/appfs/appfsd/internal/blobstore"
	"github.com/appfs/appfsd/internal/catalog"
	"github.com/appfs/appfsd/internal/fetcher"
	"github.com/appfs/appfsd/internal/overlay"
	"github.com/appfs/appfsd/internal/pathinfo"
	"github.com/appfs/appfsd/pkg/errors"
)

// Observer receives a notification for every background fetch C6 issues
// (index refresh, manifest fetch, blob fetch), so the ambient health/metrics
// stack can track the fetch path without the resolver importing it
// directly. Pass a nil Observer to receive no notifications.
type Observer interface {
	RecordFetch(kind string, duration time.Duration, err error)
}

// Resolver answers PathInfo queries for the virtual namespace, consulting
// the attribute cache first and the catalog/fetcher/overlay beneath it.
type Resolver struct {
	catalog  *catalog.DB
	fetcher  *fetcher.Fetcher
	blobs    *blobstore.Store
	overlay  *overlay.Overlay
	attrs    *attrcache.Cache
	sites    []string
	indexTTL time.Duration
	bootTime time.Time
	observer Observer

	mu          sync.Mutex
	lastFetched map[string]time.Time
}

// Config carries the fixed inputs a Resolver needs beyond its collaborator
// packages.
type Config struct {
	// ProvisionedSites lists hostnames known at startup even before any
	// index has been ingested, so the root directory reports them
	// immediately.
	ProvisionedSites []string
	// IndexTTL bounds how long a previously-fetched index is considered
	// fresh. Zero disables revalidation within a process lifetime: an
	// index already fetched once is never re-fetched until invalidated.
	IndexTTL time.Duration
	BootTime time.Time
	// Observer, if set, is notified of every index/manifest/blob fetch this
	// Resolver issues.
	Observer Observer
}

// New builds a Resolver over its collaborators.
func New(db *catalog.DB, f *fetcher.Fetcher, blobs *blobstore.Store, ov *overlay.Overlay, attrs *attrcache.Cache, cfg Config) *Resolver {
	return &Resolver{
		catalog:     db,
		fetcher:     f,
		blobs:       blobs,
		overlay:     ov,
		attrs:       attrs,
		sites:       cfg.ProvisionedSites,
		indexTTL:    cfg.IndexTTL,
		bootTime:    cfg.BootTime,
		observer:    cfg.Observer,
		lastFetched: make(map[string]time.Time),
	}
}

// recordFetch reports one fetch attempt to the observer, if any.
func (r *Resolver) recordFetch(kind string, start time.Time, err error) {
	if r.observer != nil {
		r.observer.RecordFetch(kind, time.Since(start), err)
	}
}

// Resolve answers a PathInfo query for virtualPath as seen by caller. It
// checks the attribute cache first; a hit is returned without touching the
// catalog, fetcher, or overlay.
func (r *Resolver) Resolve(ctx context.Context, virtualPath string, caller authctx.Caller) (pathinfo.PathInfo, error) {
	if cached, ok := r.attrs.Get(virtualPath, caller.UID); ok {
		return cached, nil
	}

	info, err := r.resolve(ctx, virtualPath, caller)
	if err != nil {
		return pathinfo.PathInfo{}, err
	}
	info.Inode = inode(virtualPath)
	r.attrs.Put(virtualPath, caller.UID, info)
	return info, nil
}

func segments(virtualPath string) []string {
	trimmed := strings.Trim(virtualPath, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (r *Resolver) resolve(ctx context.Context, virtualPath string, caller authctx.Caller) (pathinfo.PathInfo, error) {
	segs := segments(virtualPath)

	switch {
	case len(segs) == 0:
		return r.resolveRoot()
	case len(segs) == 1:
		return r.resolveSite(ctx, segs[0])
	case len(segs) == 2:
		return r.resolvePackage(ctx, segs[0], segs[1])
	case len(segs) == 3:
		return r.resolveOSArch(ctx, segs[0], segs[1], segs[2])
	case len(segs) == 4:
		return r.resolveVersion(ctx, segs[0], segs[1], segs[2], segs[3])
	default:
		return r.resolveInPackage(ctx, segs, caller)
	}
}

func (r *Resolver) resolveRoot() (pathinfo.PathInfo, error) {
	known, err := r.catalog.Hostnames()
	if err != nil {
		return pathinfo.PathInfo{}, err
	}
	children := dedupSorted(append(append([]string{}, known...), r.sites...))
	return pathinfo.PathInfo{
		Type:     pathinfo.TypeDirectory,
		Children: children,
		ModTime:  r.bootTime,
		Packaged: false,
	}, nil
}

func (r *Resolver) resolveSite(ctx context.Context, site string) (pathinfo.PathInfo, error) {
	r.ensureIndexFresh(ctx, site)

	children, err := r.catalog.Packages(site)
	if err != nil {
		return pathinfo.PathInfo{}, err
	}
	if len(children) == 0 && !r.isProvisioned(site) {
		return pathinfo.PathInfo{Type: pathinfo.TypeUnknown}, nil
	}
	return pathinfo.PathInfo{
		Type:     pathinfo.TypeDirectory,
		Children: children,
		ModTime:  r.bootTime,
	}, nil
}

func (r *Resolver) resolvePackage(ctx context.Context, site, pkg string) (pathinfo.PathInfo, error) {
	r.ensureIndexFresh(ctx, site)

	children, err := r.catalog.OSArches(site, pkg)
	if err != nil {
		return pathinfo.PathInfo{}, err
	}
	if len(children) == 0 {
		return pathinfo.PathInfo{Type: pathinfo.TypeUnknown}, nil
	}
	return pathinfo.PathInfo{
		Type:     pathinfo.TypeDirectory,
		Children: children,
		ModTime:  r.bootTime,
	}, nil
}

func (r *Resolver) resolveOSArch(ctx context.Context, site, pkg, osArch string) (pathinfo.PathInfo, error) {
	r.ensureIndexFresh(ctx, site)

	rawOS, rawArch := splitOSArch(osArch)
	children, err := r.catalog.Versions(site, pkg, catalog.NormalizeOS(rawOS), catalog.NormalizeCPUArch(rawArch))
	if err != nil {
		return pathinfo.PathInfo{}, err
	}
	if len(children) == 0 {
		return pathinfo.PathInfo{Type: pathinfo.TypeUnknown}, nil
	}
	return pathinfo.PathInfo{
		Type:     pathinfo.TypeDirectory,
		Children: children,
		ModTime:  r.bootTime,
	}, nil
}

func (r *Resolver) resolveVersion(ctx context.Context, site, pkg, osArch, version string) (pathinfo.PathInfo, error) {
	rawOS, rawArch := splitOSArch(osArch)
	hash, err := r.catalog.ManifestHash(site, pkg, catalog.NormalizeOS(rawOS), catalog.NormalizeCPUArch(rawArch), version)
	if err != nil {
		return pathinfo.PathInfo{}, err
	}
	if hash == "" {
		return pathinfo.PathInfo{Type: pathinfo.TypeUnknown}, nil
	}
	if err := r.ensureManifestFetched(ctx, site, hash); err != nil {
		return pathinfo.PathInfo{}, err
	}

	rows, err := r.catalog.FilesInDirectory(hash, "")
	if err != nil {
		return pathinfo.PathInfo{}, err
	}
	children := make([]string, 0, len(rows))
	for _, row := range rows {
		children = append(children, row.FileName)
	}
	return pathinfo.PathInfo{
		Type:     pathinfo.TypeDirectory,
		Children: dedupSorted(children),
		ModTime:  r.bootTime,
	}, nil
}

func (r *Resolver) resolveInPackage(ctx context.Context, segs []string, caller authctx.Caller) (pathinfo.PathInfo, error) {
	site, pkg, osArch, version := segs[0], segs[1], segs[2], segs[3]
	rawOS, rawArch := splitOSArch(osArch)
	hash, err := r.catalog.ManifestHash(site, pkg, catalog.NormalizeOS(rawOS), catalog.NormalizeCPUArch(rawArch), version)
	if err != nil {
		return pathinfo.PathInfo{}, err
	}
	if hash == "" {
		return pathinfo.PathInfo{Type: pathinfo.TypeUnknown}, nil
	}
	if err := r.ensureManifestFetched(ctx, site, hash); err != nil {
		return pathinfo.PathInfo{}, err
	}

	virtualPath := "/" + strings.Join(segs, "/")
	rest := strings.Join(segs[4:], "/")
	directory, name := path.Split(rest)
	directory = strings.TrimSuffix(directory, "/")

	if r.overlay.HasTombstone(virtualPath, caller.UID) {
		return pathinfo.PathInfo{Type: pathinfo.TypeUnknown}, nil
	}

	row, err := r.catalog.FileByName(hash, directory, name)
	if err != nil {
		return pathinfo.PathInfo{}, err
	}

	if r.overlay.HasShadow(virtualPath, caller.UID) {
		return r.overlayInfo(virtualPath, caller.UID, row != nil)
	}
	if row == nil {
		return pathinfo.PathInfo{Type: pathinfo.TypeUnknown}, nil
	}
	return fromManifestRow(row, site), nil
}

func (r *Resolver) overlayInfo(virtualPath string, uid uint32, packaged bool) (pathinfo.PathInfo, error) {
	local := r.overlay.ShadowPath(virtualPath, uid)
	st, err := os.Stat(local)
	if err != nil {
		return pathinfo.PathInfo{}, errors.NewError(errors.ErrCodeCatalogIO, "resolver: stat overlay entry").
			WithCause(err).WithComponent("resolver").WithOperation("overlayInfo")
	}

	info := pathinfo.PathInfo{
		Size:          st.Size(),
		Executable:    st.Mode()&0111 != 0,
		WorldReadable: st.Mode()&0044 != 0,
		ModTime:       st.ModTime(),
		Packaged:      packaged,
		HasRawMode:    true,
		RawMode:       uint32(st.Mode().Perm()),
	}
	switch {
	case st.IsDir():
		info.Type = pathinfo.TypeDirectory
		entries, err := os.ReadDir(local)
		if err != nil {
			return pathinfo.PathInfo{}, errors.NewError(errors.ErrCodeCatalogIO, "resolver: read overlay directory").
				WithCause(err).WithComponent("resolver").WithOperation("overlayInfo")
		}
		for _, e := range entries {
			info.Children = append(info.Children, e.Name())
		}
	case st.Mode()&os.ModeSymlink != 0:
		info.Type = pathinfo.TypeSymlink
		target, err := os.Readlink(local)
		if err != nil {
			return pathinfo.PathInfo{}, errors.NewError(errors.ErrCodeCatalogIO, "resolver: read overlay symlink").
				WithCause(err).WithComponent("resolver").WithOperation("overlayInfo")
		}
		info.LinkTarget = target
	default:
		info.Type = pathinfo.TypeFile
	}
	return info, nil
}

func fromManifestRow(row *catalog.FileRow, hostname string) pathinfo.PathInfo {
	info := pathinfo.PathInfo{
		Size:     row.Size,
		ModTime:  time.Unix(row.Time, 0),
		Packaged: true,
		Hostname: hostname,
	}
	switch row.Type {
	case "directory":
		info.Type = pathinfo.TypeDirectory
	case "symlink":
		info.Type = pathinfo.TypeSymlink
		info.LinkTarget = row.Source
	case "fifo":
		info.Type = pathinfo.TypeFifo
	case "socket":
		info.Type = pathinfo.TypeSocket
	default:
		info.Type = pathinfo.TypeFile
		info.BlobHash = row.Source
	}
	// perms is a flag-character string, not an octal mode: 'x' marks
	// executable, 'U' marks suid-root, '-' marks world-accessible.
	info.Executable = strings.Contains(row.Perms, "x")
	info.SuidRoot = strings.Contains(row.Perms, "U")
	info.WorldReadable = strings.Contains(row.Perms, "-")
	return info
}

func splitOSArch(label string) (osName, cpuArch string) {
	idx := strings.Index(label, "-")
	if idx < 0 {
		return label, ""
	}
	return label[:idx], label[idx+1:]
}

func dedupSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (r *Resolver) isProvisioned(site string) bool {
	for _, s := range r.sites {
		if s == site {
			return true
		}
	}
	return false
}

// ensureIndexFresh fetches and ingests site's index if it has never been
// fetched this process lifetime or the TTL has elapsed. Fetch failure for a
// known site (one with existing rows) is swallowed, falling back to cached
// state; failure for a never-seen site leaves it absent from the catalog.
func (r *Resolver) ensureIndexFresh(ctx context.Context, site string) {
	if !r.needsIndexFetch(site) {
		return
	}

	start := time.Now()
	raw, err := r.fetcher.FetchIndex(ctx, site)
	if err != nil {
		r.recordFetch("index", start, err)
		return
	}
	if _, err := r.catalog.IngestIndex(site, raw); err != nil {
		r.recordFetch("index", start, err)
		return
	}
	r.recordFetch("index", start, nil)

	r.mu.Lock()
	r.lastFetched[site] = time.Now()
	r.mu.Unlock()
}

func (r *Resolver) needsIndexFetch(site string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.lastFetched[site]
	if !ok {
		return true
	}
	if r.indexTTL <= 0 {
		return false
	}
	return time.Since(last) > r.indexTTL
}

// ensureManifestFetched fetches a manifest blob and ingests it if it is not
// already present in the blob store. Failure here is reported to the
// caller: a required manifest that cannot be fetched is an IO error.
func (r *Resolver) ensureManifestFetched(ctx context.Context, site, manifestHash string) error {
	r.mu.Lock()
	_, fetched := r.lastFetched["manifest:"+manifestHash]
	r.mu.Unlock()
	if fetched {
		return nil
	}

	start := time.Now()
	if err := r.fetcher.FetchBlob(ctx, site, manifestHash); err != nil {
		r.recordFetch("manifest", start, err)
		return err
	}
	raw, err := r.blobs.ReadAll(manifestHash)
	if err != nil {
		r.recordFetch("manifest", start, err)
		return err
	}
	if _, err := r.catalog.IngestManifest(manifestHash, raw); err != nil {
		r.recordFetch("manifest", start, err)
		return err
	}
	r.recordFetch("manifest", start, nil)

	r.mu.Lock()
	r.lastFetched["manifest:"+manifestHash] = time.Now()
	r.mu.Unlock()
	return nil
}

// EnsureBlobFetched makes hash's bytes available in the local blob store,
// fetching them from hostname if they are not already present. The FUSE
// adapter (C8) calls this before opening a packaged file for reading: C6's
// own resolution only determines which blob backs a path, not whether its
// bytes have been downloaded yet.
func (r *Resolver) EnsureBlobFetched(ctx context.Context, hostname, hash string) error {
	if r.blobs.Has(hash) {
		return nil
	}
	start := time.Now()
	err := r.fetcher.FetchBlob(ctx, hostname, hash)
	r.recordFetch("blob", start, err)
	return err
}

// inode computes the original daemon's FNV-1a-like 32-bit path hash,
// reproduced byte-for-byte: the multiply-by-prime step uses the same
// shift-and-add expansion of 16777619 the original substitutes for it,
// which is exact in 32-bit unsigned arithmetic, not an approximation.
func inode(virtualPath string) uint32 {
	var h uint32 = 2166136261 // FNV-1a 32-bit offset basis
	for i := 0; i < len(virtualPath); i++ {
		h ^= uint32(virtualPath[i])
		h += (h << 1) + (h << 4) + (h << 7) + (h << 8) + (h << 24)
	}
	return h
}
