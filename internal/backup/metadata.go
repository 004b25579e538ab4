package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const metadataFileName = "metadata.json"

// Metadata is the audit record written alongside each archive. Together with
// the directory name it is the only durable state a backup leaves behind,
// and it is enough to reconstruct the in-memory bookkeeping after a restart.
type Metadata struct {
	BackupID      string    `json:"backupId"`
	Creator       string    `json:"creator"`
	Room          string    `json:"room"`
	FileName      string    `json:"fileName"`
	Created       time.Time `json:"created"`
	Signature     string    `json:"signature"`
	SignedAtMilli int64     `json:"signedAt"`
}

func writeMetadata(dir string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFileName), data, 0o600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func readMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	return md, nil
}
