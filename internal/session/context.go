package session

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ContextOp selects what happens to a session's external-CLI context window.
type ContextOp string

const (
	ContextStart     ContextOp = "start"
	ContextMaintain  ContextOp = "maintain"
	ContextTerminate ContextOp = "terminate"
)

// ContextLifecycle manages the context token threaded through the external
// CLI for conversational continuity. The whole mechanism is best-effort:
// errors are returned for logging but must never block or fail an audit.
func (s *Store) ContextLifecycle(sessionID string, op ContextOp, reason string) error {
	sess, err := s.load(sessionID)
	if err != nil {
		return err
	}
	switch op {
	case ContextStart:
		if sess.CodexContextActive {
			return nil
		}
		sess.CodexContextID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		sess.CodexContextActive = true
	case ContextMaintain:
		if !sess.CodexContextActive {
			return nil
		}
		// Touching updatedAt keeps the reaper away from live contexts.
	case ContextTerminate:
		if !sess.CodexContextActive {
			return nil
		}
		sess.CodexContextActive = false
		if reason != "" {
			s.logger.Printf("context %s for session %s terminated: %s", sess.CodexContextID, sessionID, reason)
		}
	}
	sess.UpdatedAt = time.Now().UTC()
	return s.write(sess)
}
