// Package session persists audit sessions as one JSON file each under the
// state directory, and provides the per-session locking and periodic cleanup
// the request handler builds on. Callers serialize access per session id;
// the store itself only guarantees atomic single-file writes.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/ganaudit/internal/audit"
	"github.com/danshapiro/ganaudit/internal/diag"
)

// IterationRecord is one audited loop within a session.
type IterationRecord struct {
	ThoughtNumber int          `json:"thoughtNumber"`
	Code          string       `json:"code"`
	AuditResult   audit.Review `json:"auditResult"`
	Timestamp     time.Time    `json:"timestamp"`
	Fingerprint   string       `json:"fingerprint,omitempty"`
}

// Session is the on-disk record. Unknown fields in existing files are
// ignored on read so older servers' files stay loadable.
type Session struct {
	ID                 string            `json:"id"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	CurrentLoop        int               `json:"currentLoop"`
	IsComplete         bool              `json:"isComplete"`
	CompletionReason   string            `json:"completionReason,omitempty"`
	CodexContextID     string            `json:"codexContextId,omitempty"`
	CodexContextActive bool              `json:"codexContextActive"`
	Iterations         []IterationRecord `json:"iterations"`
}

// Fingerprint returns the hex blake3 digest of the candidate content. Stored
// on every iteration; the stagnation fast path compares these before doing
// any tokenization.
func Fingerprint(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

type Store struct {
	dir    string
	maxAge time.Duration
	logger *log.Logger
}

func NewStore(dir string, maxAge time.Duration, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return &Store{dir: dir, maxAge: maxAge, logger: logger}, nil
}

// NewID generates a fresh session id for clients that did not send one.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return !strings.HasPrefix(id, ".")
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// GetOrCreate loads the session or creates (and persists) a fresh one. An
// empty id gets a generated ULID.
func (s *Store) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		id = NewID()
	}
	if !validID(id) {
		return nil, diag.Newf(diag.CategoryValidation, "session id %q contains unsupported characters", id)
	}
	sess, err := s.load(id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	now := time.Now().UTC()
	sess = &Session{ID: id, CreatedAt: now, UpdatedAt: now, Iterations: []IterationRecord{}}
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) load(id string) (*Session, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, diag.Newf(diag.CategoryParse, "session file %s.json is corrupt: %v", id, err)
	}
	if sess.ID == "" {
		sess.ID = id
	}
	return &sess, nil
}

// Append records one iteration. It fails on completed sessions; currentLoop
// always equals the stored iteration count.
func (s *Store) Append(id string, rec IterationRecord) (*Session, error) {
	sess, err := s.load(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, diag.Newf(diag.CategoryValidation, "session %s does not exist", id)
		}
		return nil, err
	}
	if sess.IsComplete {
		return nil, diag.Newf(diag.CategoryValidation, "session %s is complete; no further iterations accepted", id)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Fingerprint == "" {
		rec.Fingerprint = Fingerprint(rec.Code)
	}
	sess.Iterations = append(sess.Iterations, rec)
	sess.CurrentLoop = len(sess.Iterations)
	sess.UpdatedAt = time.Now().UTC()
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update persists the session as given, refreshing updatedAt.
func (s *Store) Update(sess *Session) error {
	if !validID(sess.ID) {
		return diag.Newf(diag.CategoryValidation, "session id %q contains unsupported characters", sess.ID)
	}
	if len(sess.Iterations) != sess.CurrentLoop {
		return diag.Newf(diag.CategoryValidation, "session %s has %d iterations but currentLoop=%d",
			sess.ID, len(sess.Iterations), sess.CurrentLoop)
	}
	sess.UpdatedAt = time.Now().UTC()
	return s.write(sess)
}

// write performs the atomic tmp+fsync+rename update. A concurrent reader
// sees either the old or the new file, never a partial one.
func (s *Store) write(sess *Session) error {
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	final := s.path(sess.ID)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Reap deletes session files whose updatedAt is older than maxAge. Corrupt
// files are logged and skipped, not deleted.
func (s *Store) Reap(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("scan state directory: %w", err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		sess, err := s.load(id)
		if err != nil {
			s.logger.Printf("reap: skipping %s: %v", name, err)
			continue
		}
		if now.Sub(sess.UpdatedAt) <= s.maxAge {
			continue
		}
		if err := os.Remove(s.path(id)); err != nil {
			s.logger.Printf("reap: remove %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}
