package attrcache

import (
	"testing"

	"github.com/appfs/appfsd/internal/pathinfo"
)

func TestGetMissThenPutThenGetHit(t *testing.T) {
	c := New(1009)

	if _, ok := c.Get("/example.com/utils", 1000); ok {
		t.Fatal("expected miss before any Put")
	}

	info := pathinfo.PathInfo{Type: pathinfo.TypeDirectory, Inode: 42}
	c.Put("/example.com/utils", 1000, info)

	got, ok := c.Get("/example.com/utils", 1000)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.Inode != 42 {
		t.Errorf("Inode = %d, want 42", got.Inode)
	}
}

func TestGetDistinguishesUID(t *testing.T) {
	c := New(1009)
	c.Put("/shared/path", 1000, pathinfo.PathInfo{Size: 100})
	c.Put("/shared/path", 1001, pathinfo.PathInfo{Size: 200})

	a, ok := c.Get("/shared/path", 1000)
	if !ok || a.Size != 100 {
		t.Errorf("uid 1000 entry = %+v, ok=%v", a, ok)
	}
	b, ok := c.Get("/shared/path", 1001)
	if !ok || b.Size != 200 {
		t.Errorf("uid 1001 entry = %+v, ok=%v", b, ok)
	}
}

func TestInvalidatePath(t *testing.T) {
	c := New(1009)
	c.Put("/a/b", 1000, pathinfo.PathInfo{})

	c.InvalidatePath("/a/b", 1000)

	if _, ok := c.Get("/a/b", 1000); ok {
		t.Error("expected miss after InvalidatePath")
	}
}

func TestFlushUIDOnlyAffectsThatUID(t *testing.T) {
	c := New(1009)
	c.Put("/a", 1000, pathinfo.PathInfo{})
	c.Put("/b", 1000, pathinfo.PathInfo{})
	c.Put("/c", 1001, pathinfo.PathInfo{})

	c.FlushUID(1000)

	if _, ok := c.Get("/a", 1000); ok {
		t.Error("expected /a flushed for uid 1000")
	}
	if _, ok := c.Get("/b", 1000); ok {
		t.Error("expected /b flushed for uid 1000")
	}
	if _, ok := c.Get("/c", 1001); !ok {
		t.Error("expected /c for uid 1001 to survive FlushUID(1000)")
	}
}

func TestFlushAll(t *testing.T) {
	c := New(1009)
	c.Put("/a", 1000, pathinfo.PathInfo{})
	c.Put("/b", 1001, pathinfo.PathInfo{})

	c.FlushAll()

	if _, ok := c.Get("/a", 1000); ok {
		t.Error("expected /a gone after FlushAll")
	}
	if _, ok := c.Get("/b", 1001); ok {
		t.Error("expected /b gone after FlushAll")
	}
}

func TestPutOverwritesCollidingSlotWithoutChaining(t *testing.T) {
	// Using capacity 1 forces every key into the same slot, exercising the
	// overwrite-on-collision contract directly.
	c := New(1)

	c.Put("/first", 1000, pathinfo.PathInfo{Size: 1})
	if _, ok := c.Get("/first", 1000); !ok {
		t.Fatal("expected /first present immediately after Put")
	}

	c.Put("/second", 1000, pathinfo.PathInfo{Size: 2})
	if _, ok := c.Get("/first", 1000); ok {
		t.Error("expected /first evicted by colliding insert, no chaining")
	}
	got, ok := c.Get("/second", 1000)
	if !ok || got.Size != 2 {
		t.Errorf("expected /second present after collision, got %+v ok=%v", got, ok)
	}

	stats := c.Stats()
	if stats.Evictions == 0 {
		t.Error("expected Evictions to be recorded on collision overwrite")
	}
}

func TestStatsHitRate(t *testing.T) {
	c := New(1009)
	c.Put("/a", 1000, pathinfo.PathInfo{})

	c.Get("/a", 1000)
	c.Get("/a", 1000)
	c.Get("/missing", 1000)

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("Hits=%d Misses=%d, want 2/1", stats.Hits, stats.Misses)
	}
}
