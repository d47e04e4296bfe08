package authctx

import "testing"

func TestHomeDirectory(t *testing.T) {
	got := HomeDirectory("/var/cache/appfs/overlay", 1000)
	want := "/var/cache/appfs/overlay/1000"
	if got != want {
		t.Errorf("HomeDirectory() = %q, want %q", got, want)
	}
}

func TestTombstoneDirectory(t *testing.T) {
	got := TombstoneDirectory("/var/cache/appfs/overlay", 1001)
	want := "/var/cache/appfs/overlay/1001/.tombstone"
	if got != want {
		t.Errorf("TombstoneDirectory() = %q, want %q", got, want)
	}
}

func TestUitoa(t *testing.T) {
	cases := map[uint32]string{
		0:          "0",
		1000:       "1000",
		4294967295: "4294967295",
	}
	for in, want := range cases {
		if got := uitoa(in); got != want {
			t.Errorf("uitoa(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestRunAsExecutesFunction(t *testing.T) {
	// RunAs must invoke fn exactly once and propagate its error, independent
	// of whether the fsuid/fsgid syscalls actually change privilege in this
	// test environment (they are no-ops for a non-privileged process already
	// running as the target uid).
	called := false
	err := RunAs(Caller{UID: 0, GID: 0}, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("RunAs() error = %v", err)
	}
	if !called {
		t.Error("expected fn to be called")
	}
}
