package i18n

import (
	"fmt"
	"strings"
)

// Translator resolves message keys into user-facing strings. Params are
// substituted into {name} placeholders.
type Translator interface {
	Translate(key string, params map[string]any) string
}

// Catalog is a map-backed Translator. Unknown keys translate to the key
// itself so a missing string never blanks a notice.
type Catalog struct {
	messages map[string]string
}

// NewCatalog returns a Catalog over the given messages, falling back to the
// built-in English set for keys the map does not define.
func NewCatalog(messages map[string]string) *Catalog {
	merged := make(map[string]string, len(english)+len(messages))
	for k, v := range english {
		merged[k] = v
	}
	for k, v := range messages {
		merged[k] = v
	}
	return &Catalog{messages: merged}
}

func (c *Catalog) Translate(key string, params map[string]any) string {
	tmpl, ok := c.messages[key]
	if !ok {
		return key
	}
	if len(params) == 0 {
		return tmpl
	}
	out := tmpl
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", fmt.Sprint(value))
	}
	return out
}

var english = map[string]string{
	"BACKUP_STARTED":     "{username} started a room backup",
	"BACKUP_PROGRESS":    "Backup by {username}: {percent}% done",
	"BACKUP_COMPLETE":    "Backup archive created ({size})",
	"BACKUP_ERROR":       "Backup failed: {error}",
	"DOWNLOAD_CANCELED":  "Backup download canceled, archive deleted",
	"BACKUP_CLEANED":     "Backup {backupId} deleted",
	"FILE_DELETE_FAILED": "Could not delete {file}: {error}",
}
