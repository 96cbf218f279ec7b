package procctl

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pebble.pid")

	release, err := AcquirePidFile(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pid, err := ReadPid(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pid file not removed on release")
	}
}

func TestReadPidRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pebble.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPid(path); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
}
