package backup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lanchat-dev/lanchat/internal/i18n"
)

// Notifier publishes backup events to the chat layer: room-wide system
// notices and events addressed to a single session.
type Notifier interface {
	RoomNotice(room, text string)
	SessionEvent(sessionID, event string, payload any)
}

// Eraser destructively deletes a file beyond simple unlink. Optional; when
// absent the lifecycle falls back to plain deletion.
type Eraser interface {
	EraseFile(path string) error
}

// Job tracks one backup from trigger to cleanup.
type Job struct {
	BackupID      string
	Username      string
	Room          string
	SessionID     string
	FileName      string
	FilePath      string
	SecureDirName string
	Signature     string
	SignedAt      int64
	FileSize      int64
	Created       time.Time

	timer *time.Timer
}

// ReadyEvent is the payload delivered to the triggering session once an
// archive is available for download.
type ReadyEvent struct {
	BackupID          string `json:"backupId"`
	FileName          string `json:"fileName"`
	DownloadURL       string `json:"downloadUrl"`
	FileSize          int64  `json:"fileSize"`
	FileSizeFormatted string `json:"fileSizeFormatted"`
	CleanupTimeoutMin int    `json:"cleanupTimeout"`
}

// Options configures a lifecycle Service.
type Options struct {
	BackupsDir          string
	UploadsDir          string
	Secret              string
	ProgressStepPercent int
	CleanupTimeout      time.Duration
	MaxAge              time.Duration
	ExcludedRooms       []string
	PublicURL           string
	ForcePublicURL      bool
}

// Service orchestrates backup jobs end-to-end: mint a path capability,
// build the archive, publish the download descriptor, and guarantee cleanup
// through confirm, cancel, per-job expiry, or the periodic sweep — whichever
// comes first. All terminal paths converge on one idempotent cleanup routine.
type Service struct {
	opts     Options
	cap      *Capability
	builder  *Builder
	notifier Notifier
	eraser   Eraser
	tr       i18n.Translator
	logger   *slog.Logger
	now      func() time.Time
	excluded map[string]struct{}

	mu          sync.Mutex
	active      map[string]*Job
	downloading map[string]*Job
	lastID      int64
}

// NewService creates a lifecycle Service. eraser may be nil.
func NewService(opts Options, notifier Notifier, eraser Eraser, tr i18n.Translator, logger *slog.Logger) *Service {
	excluded := make(map[string]struct{}, len(opts.ExcludedRooms))
	for _, room := range opts.ExcludedRooms {
		excluded[room] = struct{}{}
	}
	return &Service{
		opts:        opts,
		cap:         NewCapability(opts.Secret, opts.BackupsDir, opts.MaxAge),
		builder:     &Builder{StepPercent: opts.ProgressStepPercent},
		notifier:    notifier,
		eraser:      eraser,
		tr:          tr,
		logger:      logger,
		now:         time.Now,
		excluded:    excluded,
		active:      make(map[string]*Job),
		downloading: make(map[string]*Job),
	}
}

// Capability exposes the path validator for the download endpoint.
func (s *Service) Capability() *Capability { return s.cap }

// nextBackupID derives a millisecond-resolution id, bumping on collision so
// an id is never reused within the process.
func (s *Service) nextBackupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.lastID {
		ms = s.lastID + 1
	}
	s.lastID = ms
	return strconv.FormatInt(ms, 10)
}

// Start runs one backup job to the ready-for-download state. It blocks for
// the duration of the build; callers dispatch it on its own goroutine so a
// long build never holds up other rooms' traffic.
func (s *Service) Start(username, room, sessionID string) {
	backupID := s.nextBackupID()

	job := &Job{
		BackupID:  backupID,
		Username:  username,
		Room:      room,
		SessionID: sessionID,
		Created:   s.now(),
	}

	s.notifier.RoomNotice(room, s.tr.Translate("BACKUP_STARTED", map[string]any{"username": username}))

	s.mu.Lock()
	s.active[backupID] = job
	s.mu.Unlock()

	if err := s.build(job); err != nil {
		s.logger.Error("backup build failed", "backup_id", backupID, "error", err)

		if job.SecureDirName != "" {
			dir := filepath.Join(s.opts.BackupsDir, job.SecureDirName)
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				s.logger.Error("remove partial backup", "dir", job.SecureDirName, "error", rmErr)
			}
		}

		s.mu.Lock()
		delete(s.active, backupID)
		s.mu.Unlock()

		s.notifier.RoomNotice(room, s.tr.Translate("BACKUP_ERROR", map[string]any{"error": err.Error()}))
	}
}

func (s *Service) build(job *Job) error {
	minted := s.cap.Mint(job.BackupID)
	job.SecureDirName = minted.SecureDirName
	job.Signature = minted.Signature
	job.SignedAt = minted.Timestamp
	job.FileName = "backup_" + job.BackupID + ".zip"

	dir := filepath.Join(s.opts.BackupsDir, job.SecureDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	job.FilePath = filepath.Join(dir, job.FileName)

	err := writeMetadata(dir, Metadata{
		BackupID:      job.BackupID,
		Creator:       job.Username,
		Room:          job.Room,
		FileName:      job.FileName,
		Created:       job.Created,
		Signature:     job.Signature,
		SignedAtMilli: job.SignedAt,
	})
	if err != nil {
		return err
	}

	out, err := os.Create(job.FilePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	size, err := s.builder.Run(s.opts.UploadsDir, s.excluded, out, func(percent int) {
		s.notifier.RoomNotice(job.Room, s.tr.Translate("BACKUP_PROGRESS", map[string]any{
			"username": job.Username,
			"percent":  percent,
		}))
	})
	if err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	// Archive is durable from here on. Hand the job over to the download
	// phase before announcing it.
	job.FileSize = size
	now := s.now()

	// The timer must be armed in the same critical section that publishes
	// the job: takeDownloading reads job.timer after finding the job in the
	// map, so a confirm racing the ready event needs the write ordered
	// before the publish.
	s.mu.Lock()
	delete(s.active, job.BackupID)
	s.downloading[job.BackupID] = job
	job.timer = time.AfterFunc(s.opts.CleanupTimeout, func() { s.onExpiry(job.BackupID) })
	s.mu.Unlock()

	s.cap.Register(&SignedPath{
		SecureDirName: job.SecureDirName,
		BackupID:      job.BackupID,
		Created:       now,
		Expires:       now.Add(s.opts.CleanupTimeout),
		Signature:     job.Signature,
		Timestamp:     job.SignedAt,
	})

	sizeStr := humanize.Bytes(uint64(size))
	s.notifier.RoomNotice(job.Room, s.tr.Translate("BACKUP_COMPLETE", map[string]any{"size": sizeStr}))
	s.notifier.SessionEvent(job.SessionID, "backup-ready", ReadyEvent{
		BackupID:          job.BackupID,
		FileName:          job.FileName,
		DownloadURL:       s.downloadURL(job.SecureDirName, job.FileName),
		FileSize:          size,
		FileSizeFormatted: sizeStr,
		CleanupTimeoutMin: int(s.opts.CleanupTimeout.Minutes()),
	})

	s.logger.Info("backup ready for download",
		"backup_id", job.BackupID,
		"dir", job.SecureDirName,
		"size", size,
		"expires_in", s.opts.CleanupTimeout)
	return nil
}

func (s *Service) downloadURL(secureDirName, fileName string) string {
	rel := "/backups/" + secureDirName + "/" + fileName
	if s.opts.PublicURL != "" && s.opts.ForcePublicURL {
		return strings.TrimRight(strings.TrimSpace(s.opts.PublicURL), "/") + rel
	}
	return rel
}

// takeDownloading atomically removes and returns the job for backupID. Every
// cleanup entry point goes through here, so a timer racing a confirm or
// cancel event yields exactly one cleanup execution.
func (s *Service) takeDownloading(backupID string) (*Job, bool) {
	s.mu.Lock()
	job, ok := s.downloading[backupID]
	if ok {
		delete(s.downloading, backupID)
	}
	s.mu.Unlock()

	if ok && job.timer != nil {
		job.timer.Stop()
	}
	return job, ok
}

// OnDownloadConfirmed finishes a job whose archive the client reports as
// downloaded. Unknown ids are a benign no-op.
func (s *Service) OnDownloadConfirmed(backupID string) {
	job, ok := s.takeDownloading(backupID)
	if !ok {
		s.logger.Debug("download confirm for unknown backup", "backup_id", backupID)
		return
	}

	s.cap.Revoke(job.SecureDirName)
	s.notifyCleanup(job, "BACKUP_CLEANED", s.cleanupJobDir(job))
	s.logger.Info("backup deleted after download", "backup_id", backupID)
}

// OnDownloadCanceled finishes a job the client declined to download and
// announces the cancellation to the room. Unknown ids are a benign no-op.
func (s *Service) OnDownloadCanceled(backupID string) {
	job, ok := s.takeDownloading(backupID)
	if !ok {
		s.logger.Debug("download cancel for unknown backup", "backup_id", backupID)
		return
	}

	s.cap.Revoke(job.SecureDirName)
	s.notifyCleanup(job, "DOWNLOAD_CANCELED", s.cleanupJobDir(job))
	s.logger.Info("backup canceled and deleted", "backup_id", backupID)
}

// onExpiry is the per-job timer target. Firing after a confirm or cancel
// already removed the job is silent.
func (s *Service) onExpiry(backupID string) {
	job, ok := s.takeDownloading(backupID)
	if !ok {
		return
	}

	s.cap.Revoke(job.SecureDirName)
	s.cleanupJobDir(job)
	s.logger.Info("backup expired and deleted", "backup_id", backupID, "timeout", s.opts.CleanupTimeout)
}

// OnDownloadServed maps a completed HTTP transfer back to its job and
// confirms it. Untracked directories (a restart raced the download) are
// removed directly.
func (s *Service) OnDownloadServed(secureDirName string) {
	s.mu.Lock()
	var backupID string
	for id, job := range s.downloading {
		if job.SecureDirName == secureDirName {
			backupID = id
			break
		}
	}
	s.mu.Unlock()

	if backupID != "" {
		s.OnDownloadConfirmed(backupID)
		return
	}

	s.cap.Revoke(secureDirName)
	dir := filepath.Join(s.opts.BackupsDir, secureDirName)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Error("remove served backup dir", "dir", secureDirName, "error", err)
	}
}

// RemoveRejected deletes a directory the download endpoint refused to serve
// (bad signature or expired). Missing directories are fine.
func (s *Service) RemoveRejected(secureDirName string) {
	s.cap.Revoke(secureDirName)
	dir := filepath.Join(s.opts.BackupsDir, secureDirName)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Error("remove rejected backup dir", "dir", secureDirName, "error", err)
	}
}

// cleanupJobDir deletes a backup directory, escalating from secure erasure
// (when configured) to per-file deletion to forced recursive removal. A
// directory that survives all three is left for the periodic sweep; retrying
// inline on a stuck filesystem gains nothing. The returned error reports
// that last case.
func (s *Service) cleanupJobDir(job *Job) error {
	dir := filepath.Join(s.opts.BackupsDir, job.SecureDirName)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		s.logger.Debug("backup dir already gone", "dir", job.SecureDirName)
		return nil
	}

	if err := s.deleteContents(dir); err != nil {
		s.logger.Warn("targeted backup deletion failed, forcing removal",
			"dir", job.SecureDirName, "error", err)
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error("forced backup removal failed, leaving for sweep",
				"dir", job.SecureDirName, "error", err)
			return err
		}
	}
	return nil
}

// notifyCleanup announces the outcome of a confirm or cancel cleanup to the
// room the backup came from. successKey picks the notice for the happy path.
func (s *Service) notifyCleanup(job *Job, successKey string, cleanupErr error) {
	if cleanupErr != nil {
		s.notifier.RoomNotice(job.Room, s.tr.Translate("FILE_DELETE_FAILED", map[string]any{
			"file":  job.FileName,
			"error": cleanupErr.Error(),
		}))
		return
	}
	s.notifier.RoomNotice(job.Room, s.tr.Translate(successKey, map[string]any{
		"backupId": job.BackupID,
	}))
}

func (s *Service) deleteContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if s.eraser != nil && !entry.IsDir() {
			if err := s.eraser.EraseFile(path); err != nil {
				return fmt.Errorf("secure erase %s: %w", entry.Name(), err)
			}
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("delete %s: %w", entry.Name(), err)
		}
	}

	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("remove backup dir: %w", err)
	}
	return nil
}

// Sweep is the correctness backstop: it force-cleans any backup directory
// older than the max-age ceiling regardless of in-memory bookkeeping, and
// prunes expired signed-path cache entries. Per-job timers are best-effort;
// the sweep is the guarantee that nothing outlives max-age.
func (s *Service) Sweep() {
	entries, err := os.ReadDir(s.opts.BackupsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("sweep: read backups dir", "error", err)
		}
		return
	}

	nowMilli := s.now().UnixMilli()
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix+"-") {
			continue
		}

		ts, ok := dirTimestamp(entry.Name())
		if !ok {
			// Unparseable name under the backups root: judge by mtime.
			info, err := entry.Info()
			if err != nil {
				continue
			}
			ts = info.ModTime().UnixMilli()
		}

		if nowMilli-ts <= s.opts.MaxAge.Milliseconds() {
			continue
		}

		// Detach any bookkeeping that still references the directory.
		s.mu.Lock()
		for id, job := range s.downloading {
			if job.SecureDirName == entry.Name() {
				delete(s.downloading, id)
				if job.timer != nil {
					job.timer.Stop()
				}
				break
			}
		}
		s.mu.Unlock()

		s.cap.Revoke(entry.Name())
		dir := filepath.Join(s.opts.BackupsDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error("sweep: remove old backup dir", "dir", entry.Name(), "error", err)
			continue
		}
		removed++
		s.logger.Info("sweep: removed expired backup dir", "dir", entry.Name())
	}

	pruned := s.cap.PruneExpired()
	if removed > 0 || pruned > 0 {
		s.logger.Info("sweep finished", "dirs_removed", removed, "cache_pruned", pruned)
	}
}

// Restore rebuilds the downloading set and signed-path cache from backup
// directories left by a previous process. Directories already past their
// expiry window are cleaned immediately; the rest get a timer for the
// remaining time.
func (s *Service) Restore() {
	entries, err := os.ReadDir(s.opts.BackupsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("restore: read backups dir", "error", err)
		}
		return
	}

	now := s.now()
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix+"-") {
			continue
		}

		dir := filepath.Join(s.opts.BackupsDir, entry.Name())
		md, err := readMetadata(dir)
		if err != nil {
			s.logger.Warn("restore: unreadable metadata, removing", "dir", entry.Name(), "error", err)
			os.RemoveAll(dir)
			continue
		}

		expires := md.Created.Add(s.opts.CleanupTimeout)
		if !now.Before(expires) {
			s.logger.Info("restore: backup past expiry, removing", "dir", entry.Name())
			os.RemoveAll(dir)
			continue
		}

		job := &Job{
			BackupID:      md.BackupID,
			Username:      md.Creator,
			Room:          md.Room,
			SessionID:     "",
			FileName:      md.FileName,
			FilePath:      filepath.Join(dir, md.FileName),
			SecureDirName: entry.Name(),
			Signature:     md.Signature,
			SignedAt:      md.SignedAtMilli,
			Created:       md.Created,
		}

		backupID := md.BackupID

		s.mu.Lock()
		s.downloading[md.BackupID] = job
		if id, err := strconv.ParseInt(md.BackupID, 10, 64); err == nil && id > s.lastID {
			s.lastID = id
		}
		job.timer = time.AfterFunc(expires.Sub(now), func() { s.onExpiry(backupID) })
		s.mu.Unlock()

		s.cap.Register(&SignedPath{
			SecureDirName: entry.Name(),
			BackupID:      md.BackupID,
			Created:       md.Created,
			Expires:       expires,
			Signature:     md.Signature,
			Timestamp:     md.SignedAtMilli,
		})

		s.logger.Info("restore: re-tracked backup", "backup_id", md.BackupID, "dir", entry.Name())
	}
}

// Shutdown cancels all pending jobs and deletes their directories.
func (s *Service) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.downloading))
	for id := range s.downloading {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		job, ok := s.takeDownloading(id)
		if !ok {
			continue
		}
		s.cap.Revoke(job.SecureDirName)
		s.cleanupJobDir(job)
	}
}

// dirTimestamp extracts the embedded base36 timestamp from a well-formed
// secure directory name.
func dirTimestamp(name string) (int64, bool) {
	parts := strings.Split(name, "-")
	if len(parts) != 3 {
		return 0, false
	}
	ts, err := strconv.ParseInt(parts[2], 36, 64)
	if err != nil || ts <= 0 {
		return 0, false
	}
	return ts, true
}
