// Package session holds per-session conversational state: the persisted
// context (entity under discussion, pending selection, cached facts) and a
// short-term in-memory message history.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/tradedesk/common/trace"
)

// Context is the persisted conversational context of a session.
type Context struct {
	SessionID string
	// EntityRef identifies the business entity under discussion, for example
	// an import process reference.
	EntityRef string
	Category  string
	// AwaitingSelection is non-empty while the user has been shown a
	// numbered list and owes a choice.
	AwaitingSelection string
	// ShownIntents are the intent IDs of that list, in display order.
	ShownIntents  []string
	ActiveDraftID string
	UpdatedAt     time.Time
}

// Awaiting selection kinds.
const (
	AwaitingIntent = "intent"
)

// Store persists Context rows and their auxiliary facts.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store backed by db. now may be nil.
func NewStore(db *sql.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Get returns the session's context. A session with no row yields a zero
// Context with SessionID set.
func (s *Store) Get(ctx context.Context, sessionID string) (*Context, error) {
	c := &Context{SessionID: sessionID}
	var shown string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_ref, category, awaiting_selection, shown_intents, active_draft_id, updated_at
		FROM conversation_context WHERE session_id = ?
	`, sessionID).Scan(&c.EntityRef, &c.Category, &c.AwaitingSelection, &shown, &c.ActiveDraftID, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation context: %w", err)
	}
	if shown != "" {
		c.ShownIntents = strings.Split(shown, ",")
	}
	return c, nil
}

// column names accepted by set; never user input.
const (
	colEntity   = "entity_ref"
	colCategory = "category"
	colDraft    = "active_draft_id"
)

func (s *Store) set(ctx context.Context, sessionID, column, value string) error {
	query := fmt.Sprintf(`
		INSERT INTO conversation_context (session_id, %[1]s, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET %[1]s = excluded.%[1]s, updated_at = excluded.updated_at
	`, column)
	if _, err := s.db.ExecContext(ctx, query, sessionID, value, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to update conversation context (%s): %w", column, err)
	}
	return nil
}

// SetEntity records the entity under discussion.
func (s *Store) SetEntity(ctx context.Context, sessionID, ref string) error {
	return s.set(ctx, sessionID, colEntity, ref)
}

// SetCategory records the active category filter.
func (s *Store) SetCategory(ctx context.Context, sessionID, category string) error {
	return s.set(ctx, sessionID, colCategory, category)
}

// SetAwaiting marks the session as owing a selection of the given kind
// without recording what was shown. An empty kind clears it.
func (s *Store) SetAwaiting(ctx context.Context, sessionID, kind string) error {
	return s.SetSelection(ctx, sessionID, kind, nil)
}

// Awaiting reports which selection the session owes, if any.
func (s *Store) Awaiting(ctx context.Context, sessionID string) (string, error) {
	kind, _, err := s.Selection(ctx, sessionID)
	return kind, err
}

// SetSelection records that the user was shown the numbered list ids and
// owes a choice of the given kind. An empty kind clears both.
func (s *Store) SetSelection(ctx context.Context, sessionID, kind string, ids []string) error {
	if kind == "" {
		ids = nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_context (session_id, awaiting_selection, shown_intents, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			awaiting_selection = excluded.awaiting_selection,
			shown_intents = excluded.shown_intents,
			updated_at = excluded.updated_at
	`, sessionID, kind, strings.Join(ids, ","), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update pending selection: %w", err)
	}
	return nil
}

// Selection returns the owed selection kind and the IDs shown with it.
func (s *Store) Selection(ctx context.Context, sessionID string) (string, []string, error) {
	c, err := s.Get(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	return c.AwaitingSelection, c.ShownIntents, nil
}

// SetActiveDraft records the draft most recently produced or edited.
func (s *Store) SetActiveDraft(ctx context.Context, sessionID, draftID string) error {
	return s.set(ctx, sessionID, colDraft, draftID)
}

// SetFact caches value under key for ttl.
func (s *Store) SetFact(ctx context.Context, sessionID, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_facts (session_id, key, value, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, sessionID, key, value, s.now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to store context fact: %w", err)
	}
	return nil
}

// Fact returns a cached fact while it is still relevant.
func (s *Store) Fact(ctx context.Context, sessionID, key string) (string, bool, error) {
	var (
		value   string
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM context_facts WHERE session_id = ? AND key = ?
	`, sessionID, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load context fact: %w", err)
	}
	if !s.now().Before(expires) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM context_facts WHERE session_id = ? AND key = ?`, sessionID, key); err != nil {
			return "", false, fmt.Errorf("failed to drop stale context fact: %w", err)
		}
		return "", false, nil
	}
	return value, true, nil
}

// Clear drops the whole context of a session, as on an explicit subject
// switch. Pending intents are not touched.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_context WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear conversation context: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM context_facts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear context facts: %w", err)
	}
	trace.Logger(ctx).Info("conversation context cleared", "session", sessionID)
	return nil
}
