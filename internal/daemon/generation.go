package daemon

import "sync/atomic"

// shutdownGeneration is the sentinel value Generation.Load returns once the
// daemon is draining: workers observing it stop accepting new work instead
// of rebuilding and continuing.
const shutdownGeneration = -1

// Generation is the process-wide hot-restart counter from the original's
// "reset generation": the signal-handling goroutine is the only writer (Bump
// on SIGHUP, ShutdownNow on SIGINT/SIGTERM), every worker goroutine is a
// reader. A worker that observes a value different from the one it cached
// last tears down and rebuilds whatever per-worker state it holds before
// continuing.
type Generation struct {
	v atomic.Int64
}

// NewGeneration returns a Generation starting at 0.
func NewGeneration() *Generation {
	return &Generation{}
}

// Bump increments the generation and returns the new value. Called from the
// SIGHUP handler goroutine only.
func (g *Generation) Bump() int64 {
	return g.v.Add(1)
}

// ShutdownNow sets the generation to its shutdown sentinel. Workers that
// observe it drain and exit rather than rebuild.
func (g *Generation) ShutdownNow() {
	g.v.Store(shutdownGeneration)
}

// Load returns the current generation.
func (g *Generation) Load() int64 {
	return g.v.Load()
}

// IsShutdown reports whether ShutdownNow has been called.
func (g *Generation) IsShutdown() bool {
	return g.Load() == shutdownGeneration
}

// WorkerState is the per-request-goroutine state that must be rebuilt on
// generation divergence. The original's per-thread embedded-script
// interpreter has no equivalent here (fetch and parse logic is ordinary Go
// calling ordinary libraries, not an interpreter); what remains per-worker
// is I/O staging state, represented here by a single reusable byte buffer.
type WorkerState struct {
	seen    int64
	scratch []byte
}

// NewWorkerState returns a WorkerState that has not yet observed any
// generation; its first Sync call always reports a rebuild.
func NewWorkerState() *WorkerState {
	return &WorkerState{seen: -2}
}

// Sync compares w's cached generation against g's current value. On
// divergence it drops the staging buffer (so the next Scratch call
// reallocates) and caches the new generation, returning true. Callers that
// hold heavier per-worker resources than a scratch buffer should treat a
// true return as "rebuild now".
func (w *WorkerState) Sync(g *Generation) (rebuilt bool) {
	cur := g.Load()
	if cur == w.seen {
		return false
	}
	w.seen = cur
	w.scratch = nil
	return true
}

// Scratch returns w's staging buffer, allocating it on first use or after a
// rebuild.
func (w *WorkerState) Scratch(size int) []byte {
	if cap(w.scratch) < size {
		w.scratch = make([]byte, size)
	}
	return w.scratch[:size]
}
