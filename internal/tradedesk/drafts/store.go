package drafts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

// Store persists drafts and their revision history.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	lease time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, lease: DefaultClaimLease}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) clock() time.Time { return s.now().UTC() }

const selectColumns = `
	SELECT id, session_id, revision, recipients_json, cc_json, subject, body, status,
	       created_at, updated_at, sent_at, sent_revision, delivery_ref, claim_token, claimed_at
	FROM drafts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*Draft, error) {
	d := &Draft{}
	var (
		toJSON, ccJSON, status  string
		sentAt, claimedAt       sql.NullTime
		sentRevision            sql.NullInt64
		deliveryRef, claimToken sql.NullString
	)
	if err := row.Scan(
		&d.ID, &d.SessionID, &d.Revision, &toJSON, &ccJSON, &d.Subject, &d.Body, &status,
		&d.CreatedAt, &d.UpdatedAt, &sentAt, &sentRevision, &deliveryRef, &claimToken, &claimedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(toJSON), &d.To); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(ccJSON), &d.Cc); err != nil {
		return nil, fmt.Errorf("decode cc: %w", err)
	}
	d.Status = Status(status)
	if sentAt.Valid {
		t := sentAt.Time
		d.SentAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		d.ClaimedAt = &t
	}
	d.SentRevision = int(sentRevision.Int64)
	d.DeliveryRef = deliveryRef.String
	d.ClaimToken = claimToken.String
	return d, nil
}

func encodeAddrs(addrs []string) string {
	if addrs == nil {
		addrs = []string{}
	}
	b, _ := json.Marshal(addrs)
	return string(b)
}

// Create stores a new draft at revision 1.
func (s *Store) Create(ctx context.Context, sessionID string, c Content, editedBy string) (*Draft, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	now := s.clock()
	d := &Draft{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Revision:  1,
		Content:   c,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO drafts (id, session_id, revision, recipients_json, cc_json, subject, body, status, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?, ?, 'draft', ?, ?)
		`, d.ID, sessionID, encodeAddrs(c.To), encodeAddrs(c.Cc), c.Subject, c.Body, now, now); err != nil {
			return fmt.Errorf("failed to insert draft: %w", err)
		}
		if err := insertRevision(ctx, tx, d.ID, 1, c, editedBy, now); err != nil {
			return err
		}
		return store.AppendAudit(ctx, tx, store.AuditRecord{
			SessionID: sessionID,
			Actor:     editedBy,
			Action:    "draft.created",
			Target:    d.ID,
			Payload:   store.AuditPayload{"subject": c.Subject},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}
	return d, nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, id string, rev int, c Content, editedBy string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO draft_revisions (draft_id, revision, recipients_json, cc_json, subject, body, edited_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, rev, encodeAddrs(c.To), encodeAddrs(c.Cc), c.Subject, c.Body, editedBy, at)
	if err != nil {
		return fmt.Errorf("failed to record draft revision: %w", err)
	}
	return nil
}

// Get loads the latest revision of a draft.
func (s *Store) Get(ctx context.Context, id string) (*Draft, error) {
	d, err := scanDraft(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return d, nil
}

// GetForSession is Get restricted to drafts owned by sessionID.
func (s *Store) GetForSession(ctx context.Context, sessionID, id string) (*Draft, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.SessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// ListForSession returns the session's drafts, most recently edited first.
func (s *Store) ListForSession(ctx context.Context, sessionID string, limit int) ([]*Draft, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE session_id = ? ORDER BY updated_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Revise writes c as the next revision. expectedRevision > 0 makes the edit
// conditional on the draft still being at that revision.
func (s *Store) Revise(ctx context.Context, id string, c Content, expectedRevision int, editedBy string) (*Draft, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.editable(cur, expectedRevision); err != nil {
		return cur, err
	}

	now := s.clock()
	next := cur.Revision + 1
	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE drafts
			SET revision = ?, recipients_json = ?, cc_json = ?, subject = ?, body = ?, updated_at = ?,
			    claim_token = NULL, claimed_at = NULL
			WHERE id = ? AND status = 'draft' AND revision = ? AND COALESCE(claim_token, '') = ?
		`, next, encodeAddrs(c.To), encodeAddrs(c.Cc), c.Subject, c.Body, now,
			id, cur.Revision, cur.ClaimToken)
		if err != nil {
			return fmt.Errorf("failed to update draft: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStaleRevision
		}
		if err := insertRevision(ctx, tx, id, next, c, editedBy, now); err != nil {
			return err
		}
		return store.AppendAudit(ctx, tx, store.AuditRecord{
			SessionID: cur.SessionID,
			Actor:     editedBy,
			Action:    "draft.revised",
			Target:    id,
			Payload:   store.AuditPayload{"revision": next},
		})
	})
	if errors.Is(err, ErrStaleRevision) {
		fresh, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Status == StatusSent {
			return fresh, ErrAlreadySent
		}
		return fresh, ErrStaleRevision
	}
	if err != nil {
		return nil, err
	}

	cur.Revision = next
	cur.Content = c
	cur.UpdatedAt = now
	cur.ClaimToken = ""
	cur.ClaimedAt = nil
	trace.Logger(ctx).Info("draft revised", "draft", id, "revision", next)
	return cur, nil
}

func (s *Store) editable(d *Draft, expectedRevision int) error {
	if d.Status == StatusSent {
		return ErrAlreadySent
	}
	if d.claimLive(s.clock(), s.lease) {
		return ErrInProgress
	}
	if expectedRevision > 0 && d.Revision != expectedRevision {
		return ErrStaleRevision
	}
	return nil
}

// Revisions returns the full history of a draft, oldest first.
func (s *Store) Revisions(ctx context.Context, id string) ([]*Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT draft_id, revision, recipients_json, cc_json, subject, body, edited_by, created_at
		FROM draft_revisions WHERE draft_id = ? ORDER BY revision ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list draft revisions: %w", err)
	}
	defer rows.Close()

	var out []*Revision
	for rows.Next() {
		r := &Revision{}
		var toJSON, ccJSON string
		if err := rows.Scan(&r.DraftID, &r.Revision, &toJSON, &ccJSON, &r.Subject, &r.Body, &r.EditedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan draft revision: %w", err)
		}
		if err := json.Unmarshal([]byte(toJSON), &r.To); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ccJSON), &r.Cc); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CurrentRevision reads only the revision and status of a draft.
func (s *Store) CurrentRevision(ctx context.Context, id string) (int, Status, error) {
	var (
		rev    int
		status string
	)
	err := s.db.QueryRowContext(ctx, `SELECT revision, status FROM drafts WHERE id = ?`, id).Scan(&rev, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read draft revision: %w", err)
	}
	return rev, Status(status), nil
}

// Claim reserves a draft for sending. The returned Draft is the revision
// that must be sent.
func (s *Store) Claim(ctx context.Context, id, token string) (*Draft, error) {
	if token == "" {
		return nil, errors.New("claim token is required")
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusSent {
		return d, ErrAlreadySent
	}
	now := s.clock()
	if d.claimLive(now, s.lease) {
		return d, ErrInProgress
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE drafts SET claim_token = ?, claimed_at = ?
		WHERE id = ? AND status = 'draft' AND revision = ? AND COALESCE(claim_token, '') = ?
	`, token, now, id, d.Revision, d.ClaimToken)
	if err != nil {
		return nil, fmt.Errorf("failed to claim draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		fresh, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if fresh.Status == StatusSent {
			return fresh, ErrAlreadySent
		}
		return fresh, ErrInProgress
	}

	d.ClaimToken = token
	d.ClaimedAt = &now
	return d, nil
}

// MarkSent records a successful delivery of revision under the claim token.
func (s *Store) MarkSent(ctx context.Context, id, token string, revision int, deliveryRef string) error {
	now := s.clock()
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE drafts
			SET status = 'sent', sent_at = ?, sent_revision = ?, delivery_ref = ?,
			    claim_token = NULL, claimed_at = NULL
			WHERE id = ? AND status = 'draft' AND claim_token = ? AND revision = ?
		`, now, revision, deliveryRef, id, token, revision)
		if err != nil {
			return fmt.Errorf("failed to mark draft sent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrClaimLost
		}
		return store.AppendAudit(ctx, tx, store.AuditRecord{
			Action:  "draft.sent",
			Target:  id,
			Payload: store.AuditPayload{"revision": revision, "delivery_ref": deliveryRef},
		})
	})
	if errors.Is(err, ErrClaimLost) {
		fresh, gerr := s.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if fresh.Status == StatusSent {
			return ErrAlreadySent
		}
		return ErrClaimLost
	}
	if err != nil {
		return err
	}
	trace.Logger(ctx).Info("draft sent", "draft", id, "revision", revision)
	return nil
}

// Release drops a send claim after a failed delivery.
func (s *Store) Release(ctx context.Context, id, token, cause string) error {
	return store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE drafts SET claim_token = NULL, claimed_at = NULL
			WHERE id = ? AND status = 'draft' AND claim_token = ?
		`, id, token)
		if err != nil {
			return fmt.Errorf("failed to release draft: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrClaimLost
		}
		return store.AppendAudit(ctx, tx, store.AuditRecord{
			Action: "draft.send_failed",
			Target: id,
			Result: store.ResultError,
			Error:  cause,
		})
	})
}
