package driveops

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// ErrCorruptSession reports a session file that is not valid JSON. Load
// removes such files.
var ErrCorruptSession = errors.New("driveops: corrupt session file")

const (
	sessionSubdir = "upload-sessions"
	sessionExt    = ".json"

	// Upload URLs are bearer capabilities.
	sessionDirPerms = 0o700
)

// StaleSessionAge is how long a session file may sit unused before a sweep
// removes it. Graph drops the server side long before that.
const StaleSessionAge = 7 * 24 * time.Hour

// sweepInterval bounds how often Save kicks off a background sweep.
const sweepInterval = time.Hour

// SessionRecord is what the store keeps for one in-flight upload.
type SessionRecord struct {
	Bucket     string    `json:"bucket"`
	RemoteKey  string    `json:"remote_key"`
	LocalPath  string    `json:"local_path"`
	SessionURL string    `json:"session_url"`
	FileSize   int64     `json:"file_size"`
	ModTime    time.Time `json:"mod_time"`
	CreatedAt  time.Time `json:"created_at"`
}

// Matches reports whether the record was written for a file with this size
// and modification time.
func (r *SessionRecord) Matches(size int64, modTime time.Time) bool {
	return r.FileSize == size && r.ModTime.Equal(modTime)
}

// sessionKey identifies a record: the bucket an upload targets and the
// object key inside it.
type sessionKey struct {
	bucket string
	remote string
}

// fileName hashes the pair with a NUL separator, which neither a bucket nor
// a key can contain.
func (k sessionKey) fileName() string {
	h := sha256.New()
	h.Write([]byte(k.bucket))
	h.Write([]byte{0})
	h.Write([]byte(k.remote))

	return hex.EncodeToString(h.Sum(nil)) + sessionExt
}

// SessionStore keeps one JSON file per (bucket, remote key) so a later
// process can resume an interrupted upload. Safe for concurrent use.
type SessionStore struct {
	dir    string
	logger *slog.Logger

	// nextSweep is the earliest time, in Unix nanoseconds, Save may start
	// another sweep.
	nextSweep atomic.Int64
}

// NewSessionStore returns a store under dataDir/upload-sessions. The
// directory is created on first Save.
func NewSessionStore(dataDir string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &SessionStore{dir: filepath.Join(dataDir, sessionSubdir), logger: logger}
}

// Dir is where the session files live.
func (s *SessionStore) Dir() string { return s.dir }

func (s *SessionStore) filePath(k sessionKey) string {
	return filepath.Join(s.dir, k.fileName())
}

// Load returns the record for bucket and remoteKey, or nil when none is
// stored.
func (s *SessionStore) Load(bucket, remoteKey string) (*SessionRecord, error) {
	k := sessionKey{bucket: bucket, remote: remoteKey}
	path := s.filePath(k)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("driveops: loading session for %s: %w", remoteKey, err)
	}

	rec := new(SessionRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		s.logger.Warn("removing unreadable session file",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
		s.remove(path)

		return nil, fmt.Errorf("%w: %w", ErrCorruptSession, err)
	}

	if rec.Bucket != k.bucket || rec.RemoteKey != k.remote {
		s.logger.Warn("session file belongs to another key, ignoring",
			slog.String("file", filepath.Base(path)),
			slog.String("remote_key", rec.RemoteKey),
		)

		return nil, nil
	}

	return rec, nil
}

// Save stores rec for bucket and remoteKey, replacing any earlier record.
// Readers never see a partial file.
func (s *SessionStore) Save(bucket, remoteKey string, rec *SessionRecord) error {
	if err := os.MkdirAll(s.dir, sessionDirPerms); err != nil {
		return fmt.Errorf("driveops: creating session dir: %w", err)
	}

	rec.Bucket, rec.RemoteKey = bucket, remoteKey
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	// CreateTemp opens with 0600.
	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("driveops: saving session for %s: %w", remoteKey, err)
	}

	err = json.NewEncoder(tmp).Encode(rec)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Rename(tmp.Name(), s.filePath(sessionKey{bucket: bucket, remote: remoteKey}))
	}

	if err != nil {
		s.remove(tmp.Name())
		return fmt.Errorf("driveops: saving session for %s: %w", remoteKey, err)
	}

	s.maybeSweep()

	return nil
}

// Delete drops the record for bucket and remoteKey. A missing record is
// not an error.
func (s *SessionStore) Delete(bucket, remoteKey string) error {
	err := os.Remove(s.filePath(sessionKey{bucket: bucket, remote: remoteKey}))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("driveops: deleting session for %s: %w", remoteKey, err)
	}

	return nil
}

// CleanStale removes records and leftover temp files not written for
// maxAge, and returns how many it removed.
func (s *SessionStore) CleanStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("driveops: listing sessions: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !(strings.HasSuffix(name, sessionExt) || strings.HasSuffix(name, ".tmp")) {
			continue
		}

		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if s.remove(filepath.Join(s.dir, name)) {
			s.logger.Debug("removed stale session file",
				slog.String("file", name),
				slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
			)

			removed++
		}
	}

	return removed, nil
}

// maybeSweep starts a background CleanStale at most once per sweepInterval.
func (s *SessionStore) maybeSweep() {
	now := time.Now()
	next := s.nextSweep.Load()

	if now.UnixNano() < next || !s.nextSweep.CompareAndSwap(next, now.Add(sweepInterval).UnixNano()) {
		return
	}

	go func() {
		n, err := s.CleanStale(StaleSessionAge)
		if err != nil {
			s.logger.Warn("stale session sweep failed", slog.String("error", err.Error()))
			return
		}

		if n > 0 {
			s.logger.Info("removed stale upload sessions", slog.Int("count", n))
		}
	}()
}

// remove deletes path and reports whether it is gone. Failures are logged.
func (s *SessionStore) remove(path string) bool {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return true
	}

	s.logger.Warn("failed to remove session file",
		slog.String("file", filepath.Base(path)),
		slog.String("error", err.Error()),
	)

	return false
}
