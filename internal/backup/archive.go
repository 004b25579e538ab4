package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// ProgressFunc receives coalesced build progress as an integer percentage.
type ProgressFunc func(percent int)

// Builder streams a filtered view of the room-storage tree into a zip
// container. It never buffers whole files in memory and does not clean up
// partial output on failure; that is the caller's job so failure handling
// stays in one place.
type Builder struct {
	// StepPercent is the minimum advance between two progress reports.
	StepPercent int
}

// countingWriter tracks bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Run archives every immediate subdirectory of sourceRoot except those named
// in excluded, placing each subtree under "rooms/<name>/" in the output.
// Progress callbacks are monotonically non-decreasing and at least
// StepPercent apart; the first report may be skipped when the computed
// percentage is still below the step. Run returns the compressed byte count
// once the zip stream has been flushed and closed.
func (b *Builder) Run(sourceRoot string, excluded map[string]struct{}, out io.Writer, progress ProgressFunc) (int64, error) {
	rooms, err := b.listRooms(sourceRoot, excluded)
	if err != nil {
		return 0, err
	}

	var totalBytes int64
	for _, room := range rooms {
		size, err := dirSize(filepath.Join(sourceRoot, room))
		if err != nil {
			return 0, fmt.Errorf("measure room %s: %w", room, err)
		}
		totalBytes += size
	}

	cw := &countingWriter{w: out}
	zw := zip.NewWriter(cw)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	tracker := &progressTracker{total: totalBytes, step: b.StepPercent, report: progress}

	for _, room := range rooms {
		roomPath := filepath.Join(sourceRoot, room)
		if err := b.addTree(zw, roomPath, "rooms/"+room, tracker); err != nil {
			zw.Close()
			return 0, fmt.Errorf("archive room %s: %w", room, err)
		}
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalize archive: %w", err)
	}
	return cw.n, nil
}

func (b *Builder) listRooms(sourceRoot string, excluded map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("read source root: %w", err)
	}

	var rooms []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, skip := excluded[entry.Name()]; skip {
			continue
		}
		rooms = append(rooms, entry.Name())
	}
	return rooms, nil
}

func (b *Builder) addTree(zw *zip.Writer, root, prefix string, tracker *progressTracker) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = prefix + "/" + filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		written, err := io.Copy(w, f)
		f.Close()
		if err != nil {
			return err
		}

		tracker.advance(written)
		return nil
	})
}

// progressTracker coalesces byte progress into stepped percentage reports.
type progressTracker struct {
	total     int64
	processed int64
	step      int
	last      int
	report    ProgressFunc
}

func (t *progressTracker) advance(bytes int64) {
	t.processed += bytes
	if t.report == nil || t.total <= 0 {
		return
	}

	percent := int(t.processed * 100 / t.total)
	if percent > 100 {
		percent = 100
	}
	if percent >= t.last+t.step {
		t.last = percent
		t.report(percent)
	}
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
