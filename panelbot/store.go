package panelbot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ErrSessionNotFound is returned by [FileSessionStore.Load] when no
// readable, well-formed record exists for the user. Corrupt records are
// deleted and reported as not-found rather than surfacing a parse error.
var ErrSessionNotFound = errors.New("session not found")

const (
	sessionFileSuffix  = ".json"
	sessionFileMode    = 0o600
	sessionDirMode     = 0o755
	savedAtTimeFormat  = "2006-01-02 15:04:05 MST"
	sessionTempPattern = ".session-*.tmp"
)

// FileSessionStore persists one Session record per user ID as a JSON file
// under a single directory. Saves are atomic: a temp file on the same
// volume is renamed over the target path, so a reader never observes a
// half-written record. The store is the durability boundary for sessions
// surviving process restarts.
type FileSessionStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewFileSessionStore creates the session directory if needed.
func NewFileSessionStore(
	dir string,
	logger *slog.Logger,
) (*FileSessionStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, sessionDirMode); err != nil {
		return nil, fmt.Errorf("error creating session directory: %w", err)
	}
	return &FileSessionStore{
		dir:    dir,
		logger: logger.With(loggerNameKey, "session_store"),
		now:    time.Now,
	}, nil
}

// Dir returns the directory session records are stored in.
func (f *FileSessionStore) Dir() string {
	return f.dir
}

func (f *FileSessionStore) path(userID string) string {
	return filepath.Join(f.dir, userID+sessionFileSuffix)
}

// Load reads the session record for the given user. Missing files return
// [ErrSessionNotFound]. Unparseable records, or records missing required
// fields, are deleted as a side effect and also return ErrSessionNotFound,
// so corruption self-heals instead of propagating upward.
func (f *FileSessionStore) Load(userID string) (*Session, error) {
	data, err := os.ReadFile(f.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		f.logger.Error(
			"error reading session record",
			tint.Err(err),
			columnUserID, userID,
		)
		return nil, ErrSessionNotFound
	}

	var session Session
	if err = json.Unmarshal(data, &session); err != nil {
		f.logger.Warn(
			"deleting unparseable session record",
			tint.Err(err),
			columnUserID, userID,
		)
		f.removeCorrupt(userID)
		return nil, ErrSessionNotFound
	}
	if !session.valid() {
		f.logger.Warn(
			"deleting session record missing required fields",
			columnUserID, userID,
			"session", session,
		)
		f.removeCorrupt(userID)
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// Save writes the session record atomically. The record's SavedAt
// bookkeeping fields are refreshed as part of the write.
func (f *FileSessionStore) Save(userID string, session *Session) error {
	if session == nil {
		return errors.New("nil session")
	}
	now := f.now().UTC()
	session.SavedAt = now.UnixMilli()
	session.SavedAtFormatted = now.Format(savedAtTimeFormat)

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling session: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, sessionTempPattern)
	if err != nil {
		return fmt.Errorf("error creating temp session file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("error writing temp session file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error closing temp session file: %w", err)
	}
	if err = os.Chmod(tmpName, sessionFileMode); err != nil {
		f.logger.Warn("error setting session file mode", tint.Err(err))
	}
	if err = os.Rename(tmpName, f.path(userID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error replacing session file: %w", err)
	}
	return nil
}

// Delete removes the session record. Idempotent: deleting a non-existent
// record is success.
func (f *FileSessionStore) Delete(userID string) error {
	err := os.Remove(f.path(userID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting session record: %w", err)
	}
	return nil
}

// Scan returns the user IDs of every session record currently on disk,
// including ones that may fail to load. Leftover temp files are removed.
func (f *FileSessionStore) Scan() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("error reading session directory: %w", err)
	}
	var userIDs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(f.dir, name))
			continue
		}
		if !strings.HasSuffix(name, sessionFileSuffix) {
			continue
		}
		userIDs = append(userIDs, strings.TrimSuffix(name, sessionFileSuffix))
	}
	return userIDs, nil
}

func (f *FileSessionStore) removeCorrupt(userID string) {
	if err := os.Remove(f.path(userID)); err != nil && !os.IsNotExist(err) {
		f.logger.Error(
			"error removing corrupt session record",
			tint.Err(err),
			columnUserID, userID,
		)
	}
}
