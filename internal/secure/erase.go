// Package secure implements destructive file deletion: contents are
// overwritten before the name is unlinked, so casual recovery of a deleted
// backup archive from the block device is not possible. It makes no
// guarantees on copy-on-write filesystems or wear-leveled flash.
package secure

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const overwriteBufSize = 1 << 20 // 1 MiB

// Eraser overwrites and deletes files.
type Eraser struct {
	logger *slog.Logger
}

func NewEraser(logger *slog.Logger) *Eraser {
	return &Eraser{logger: logger}
}

// EraseFile destroys the file at path: one pass of random data, one pass of
// zeros, metadata scramble, then unlink. Symlinks are unlinked without
// touching the target. The deletion is verified before returning.
func (e *Eraser) EraseFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("unlink symlink %s: %w", path, err)
		}
		return nil
	}

	size := info.Size()
	start := time.Now()

	if err := e.overwrite(path, size); err != nil {
		return err
	}

	// Scramble metadata before the unlink: zero length, epoch mtime.
	if err := os.Truncate(path, 0); err != nil {
		e.logger.Warn("truncate before unlink failed", "path", path, "error", err)
	}
	if err := os.Chtimes(path, time.Unix(0, 0), time.Unix(0, 0)); err != nil {
		e.logger.Warn("chtimes before unlink failed", "path", path, "error", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("unlink %s: %w", path, err)
	}

	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		return fmt.Errorf("deletion of %s not verified", path)
	}

	e.logger.Debug("secure erase complete", "path", path, "bytes", size, "duration", time.Since(start))
	return nil
}

func (e *Eraser) overwrite(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open for overwrite %s: %w", path, err)
	}
	defer f.Close()

	if err := e.pass(f, size, fillRandom); err != nil {
		return fmt.Errorf("random pass %s: %w", path, err)
	}
	if err := e.pass(f, size, fillZero); err != nil {
		return fmt.Errorf("zero pass %s: %w", path, err)
	}
	return nil
}

func (e *Eraser) pass(f *os.File, size int64, fill func([]byte) error) error {
	if size == 0 {
		return nil
	}

	bufSize := int64(overwriteBufSize)
	if size < bufSize {
		bufSize = size
	}
	buf := make([]byte, bufSize)
	if err := fill(buf); err != nil {
		return err
	}

	var written int64
	for written < size {
		chunk := buf
		if remaining := size - written; remaining < int64(len(buf)) {
			chunk = buf[:remaining]
		}
		if _, err := f.WriteAt(chunk, written); err != nil {
			return err
		}
		written += int64(len(chunk))
	}

	return f.Sync()
}

func fillRandom(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

func fillZero(buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}
