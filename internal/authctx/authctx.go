// Package authctx implements the auth context (C10): capturing the calling
// uid/gid off a FUSE request and scoping overlay syscalls to that identity
// via the kernel's filesystem-uid/gid mechanism, so files created through
// the overlay are owned by the caller and the caller's own permission bits
// are honored rather than the daemon's.
package authctx

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Caller identifies the uid/gid a FUSE request arrived with.
type Caller struct {
	UID uint32
	GID uint32
}

// fsScopeMu serializes all fsuid/fsgid-scoped sections process-wide. Setfsuid
// and Setfsgid change process-wide state, not per-goroutine state, so two
// overlapping scopes for different callers would corrupt each other's
// ownership without this lock.
var fsScopeMu sync.Mutex

// RunAs executes fn with the process's filesystem uid/gid temporarily set
// to caller's identity, restoring the previous filesystem uid and gid (uid 0
// for a daemon running as root) on return regardless of whether fn succeeds.
// Every overlay (C5) write path that touches the on-disk shadow tree must go
// through this.
func RunAs(caller Caller, fn func() error) error {
	fsScopeMu.Lock()
	defer fsScopeMu.Unlock()

	prevGID := unix.Setfsgid(int(caller.GID))
	prevUID := unix.Setfsuid(int(caller.UID))
	defer func() {
		unix.Setfsuid(prevUID)
		unix.Setfsgid(prevGID)
	}()

	return fn()
}

// HomeDirectory returns the per-uid root under the overlay tree where a
// caller's shadow files and tombstones live: <overlayDir>/<uid>.
func HomeDirectory(overlayDir string, uid uint32) string {
	return overlayDir + "/" + uitoa(uid)
}

// TombstoneDirectory returns the per-uid tombstone root:
// <overlayDir>/<uid>/.tombstone.
func TombstoneDirectory(overlayDir string, uid uint32) string {
	return HomeDirectory(overlayDir, uid) + "/.tombstone"
}

func uitoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}
