package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Validation reason codes. Callers must treat any invalid result uniformly;
// the reason exists for logging and tests, not for branching.
const (
	ReasonMalformed        = "malformed"
	ReasonExpired          = "expired"
	ReasonInvalidSignature = "invalid_signature"
)

// ValidationResult is the outcome of checking a secure directory name.
// Validation is pure data: malformed input never panics or errors.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// Minted describes a freshly generated secure directory name.
type Minted struct {
	SecureDirName string
	Signature     string
	Timestamp     int64 // unix milliseconds
}

// SignedPath is a cache entry for a known-valid backup directory. The cache
// is an optimization only; the HMAC embedded in the name is the source of
// truth and a path can be re-validated from the name alone after a restart.
type SignedPath struct {
	SecureDirName string
	BackupID      string
	Created       time.Time
	Expires       time.Time
	Signature     string
	Timestamp     int64
}

// Capability mints and verifies HMAC-signed directory names that serve as
// both unguessable storage locations and self-verifying, time-bounded
// download tokens. No server-side database is needed to prove validity.
type Capability struct {
	secret  string
	baseDir string
	maxAge  time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]*SignedPath // keyed by PathID
}

// NewCapability creates a Capability. baseDir is the backups root used by
// the signature-fallback existence check; maxAge is the absolute ceiling on
// a name's validity.
func NewCapability(secret, baseDir string, maxAge time.Duration) *Capability {
	return &Capability{
		secret:  secret,
		baseDir: baseDir,
		maxAge:  maxAge,
		now:     time.Now,
		cache:   make(map[string]*SignedPath),
	}
}

const (
	dirPrefix = "backup"
	sigHexLen = 32
)

// sign computes the truncated hex HMAC tag for the given subject and
// timestamp. Truncation to 32 hex characters (128 bits) is a deliberate
// size/entropy trade-off baked into the directory name format.
func (c *Capability) sign(subject string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(subject + ":" + strconv.FormatInt(ts, 10) + ":" + c.secret))
	return hex.EncodeToString(mac.Sum(nil))[:sigHexLen]
}

// Mint generates a secure directory name for the given backup id.
func (c *Capability) Mint(backupID string) Minted {
	ts := c.now().UnixMilli()
	sig := c.sign(backupID, ts)
	return Minted{
		SecureDirName: dirPrefix + "-" + sig + "-" + strconv.FormatInt(ts, 36),
		Signature:     sig,
		Timestamp:     ts,
	}
}

// PathID returns the cache key for a secure directory name: the first 16 hex
// characters of its SHA-256 digest. It is never transmitted and is not a
// security boundary by itself.
func PathID(secureDirName string) string {
	sum := sha256.Sum256([]byte(secureDirName))
	return hex.EncodeToString(sum[:])[:16]
}

// Validate checks a secure directory name. The check is two-phase: a cache
// hit on PathID is trusted outright; otherwise the signature is recomputed
// over the fixed "unknown" subject and the backing directory must exist.
//
// The recompute path proves only "some name signed with this secret and
// timestamp", not a binding to a specific backup id — a weaker guarantee,
// kept so validation survives restarts that wiped the in-memory cache. The
// directory-existence check narrows it to names this process tree actually
// created.
func (c *Capability) Validate(secureDirName string) ValidationResult {
	parts := strings.Split(secureDirName, "-")
	if len(parts) != 3 || parts[0] != dirPrefix {
		return ValidationResult{Reason: ReasonMalformed}
	}

	sig := parts[1]
	if len(sig) != sigHexLen || !isLowerHex(sig) {
		return ValidationResult{Reason: ReasonMalformed}
	}

	ts, err := strconv.ParseInt(parts[2], 36, 64)
	if err != nil || ts <= 0 {
		return ValidationResult{Reason: ReasonMalformed}
	}

	if c.now().UnixMilli()-ts > c.maxAge.Milliseconds() {
		return ValidationResult{Reason: ReasonExpired}
	}

	c.mu.Lock()
	_, cached := c.cache[PathID(secureDirName)]
	c.mu.Unlock()
	if cached {
		return ValidationResult{Valid: true}
	}

	expected := c.sign("unknown", ts)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return ValidationResult{Reason: ReasonInvalidSignature}
	}

	info, err := os.Stat(filepath.Join(c.baseDir, secureDirName))
	if err != nil || !info.IsDir() {
		return ValidationResult{Reason: ReasonInvalidSignature}
	}

	return ValidationResult{Valid: true}
}

// Register adds a signed path to the cache.
func (c *Capability) Register(sp *SignedPath) {
	c.mu.Lock()
	c.cache[PathID(sp.SecureDirName)] = sp
	c.mu.Unlock()
}

// Revoke removes a signed path from the cache. Revoking an unknown name is
// a no-op.
func (c *Capability) Revoke(secureDirName string) {
	c.mu.Lock()
	delete(c.cache, PathID(secureDirName))
	c.mu.Unlock()
}

// PruneExpired drops cache entries past their expiry and returns how many
// were removed.
func (c *Capability) PruneExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	pruned := 0
	for id, sp := range c.cache {
		if now.After(sp.Expires) {
			delete(c.cache, id)
			pruned++
		}
	}
	return pruned
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
