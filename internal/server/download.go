package server

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lanchat-dev/lanchat/internal/backup"
	"github.com/lanchat-dev/lanchat/internal/middleware"
)

// minSecureDirLen is a cheap pre-filter: "backup-" + 32 hex + "-" + base36
// timestamp is never shorter than this.
const minSecureDirLen = 45

// handleBackupDownload serves one-time backup archives. The secure directory
// name in the URL is the bearer capability; it is validated before any
// filesystem access, and directories that fail validation are removed on
// sight. A fully transferred archive confirms the job, which deletes it.
func (s *Server) handleBackupDownload(w http.ResponseWriter, r *http.Request) {
	secureDir := r.PathValue("secureDir")
	filename := r.PathValue("filename")

	if !strings.HasPrefix(secureDir, "backup-") || len(secureDir) < minSecureDirLen {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	res := s.backupSvc.Capability().Validate(secureDir)
	if !res.Valid {
		switch res.Reason {
		case backup.ReasonExpired:
			s.logger.Info("expired backup requested", "dir", secureDir, "remote", r.RemoteAddr)
			s.backupSvc.RemoveRejected(secureDir)
			http.Error(w, "Backup expired", http.StatusGone)
		case backup.ReasonInvalidSignature:
			s.logger.Warn("invalid backup signature", "dir", secureDir, "remote", r.RemoteAddr)
			s.backupSvc.RemoveRejected(secureDir)
			http.Error(w, "Invalid backup URL", http.StatusForbidden)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	if filepath.Base(filename) != filename || !strings.HasSuffix(strings.ToLower(filename), ".zip") {
		http.Error(w, "Invalid file type", http.StatusForbidden)
		return
	}

	path := filepath.Join(s.backupsDir, secureDir, filename)
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "Backup not found or already deleted", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "Backup not found or already deleted", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+url.PathEscape(filename)+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("X-Backup-Dir", secureDir)
	w.Header().Set("X-Content-Type-Options", "nosniff")

	written, err := io.Copy(w, f)
	if err != nil {
		// Client went away mid-transfer; the job stays tracked so the
		// expiry timer or a retried download finishes it.
		s.logger.Warn("backup transfer aborted", "dir", secureDir, "written", written, "error", err)
		return
	}

	s.logger.Info("backup served", "dir", secureDir, "file", filename, "bytes", written, "remote", middleware.RealIP(r))
	s.backupSvc.OnDownloadServed(secureDir)
}
