package secure

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testEraser() *Eraser {
	return NewEraser(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestEraseFileRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(path, []byte("not really a zip, but big enough to overwrite"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := testEraser().EraseFile(path); err != nil {
		t.Fatalf("erase: %v", err)
	}

	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists after erase")
	}
}

func TestEraseFileEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := testEraser().EraseFile(path); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists after erase")
	}
}

func TestEraseFileMissingIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-existed")
	if err := testEraser().EraseFile(path); err != nil {
		t.Errorf("erase of missing file: %v", err)
	}
}

func TestEraseFileSymlinkUnlinkedTargetKept(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")
	if err := os.WriteFile(target, []byte("keep me"), 0o600); err != nil {
		t.Fatalf("write target: %v", err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := testEraser().EraseFile(link); err != nil {
		t.Fatalf("erase symlink: %v", err)
	}

	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Errorf("symlink still exists")
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("target unreadable: %v", err)
	}
	if string(data) != "keep me" {
		t.Errorf("target content = %q, want untouched", data)
	}
}
