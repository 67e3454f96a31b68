package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	writer, err := newRotatingWriter(path, 1, 3, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer writer.Close()
	// Shrink the threshold so the test does not write megabytes.
	writer.maxSize = 32

	line := []byte("first entry that fills the file\n")
	if _, err := writer.Write(line); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := writer.Write(line); err != nil {
		t.Fatalf("second write: %v", err)
	}

	backup := path + ".1"
	info, err := os.Stat(backup)
	if err != nil {
		t.Fatalf("expected rotated backup at %s: %v", backup, err)
	}
	if info.Size() == 0 {
		t.Fatalf("rotated backup should carry the previous contents")
	}

	live, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected live file after rotation: %v", err)
	}
	if live.Size() != int64(len(line)) {
		t.Fatalf("live file should only hold the latest write, got %d bytes", live.Size())
	}
}

func TestRotatingWriterHonoursBackupBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	writer, err := newRotatingWriter(path, 1, 1, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer writer.Close()
	writer.maxSize = 16

	line := []byte("0123456789abcdef\n")
	for i := 0; i < 3; i++ {
		if _, err := writer.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected one backup to survive: %v", err)
	}
	if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
		t.Fatalf("backup budget of one must not leave a .2 file, got %v", err)
	}
}

func TestRotatingWriterRequiresPath(t *testing.T) {
	if _, err := newRotatingWriter("", 1, 1, 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
