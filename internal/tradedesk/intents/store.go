package intents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

var (
	// ErrNotFound is returned when no intent matches the ID (or it belongs
	// to another session).
	ErrNotFound = errors.New("intent not found")
	// ErrAlreadyExecuted is returned when the intent already ran.
	ErrAlreadyExecuted = errors.New("intent already executed")
	// ErrCancelled is returned when the intent was cancelled.
	ErrCancelled = errors.New("intent was cancelled")
	// ErrExpired is returned when the intent passed its deadline.
	ErrExpired = errors.New("intent expired")
	// ErrInProgress is returned when another worker holds a live claim.
	ErrInProgress = errors.New("intent execution already in progress")
	// ErrClaimLost is returned when finishing an execution whose claim was
	// taken over.
	ErrClaimLost = errors.New("intent claim no longer held")
)

// StatusError maps a terminal status to its sentinel error.
func StatusError(s Status) error {
	switch s {
	case StatusExecuted:
		return ErrAlreadyExecuted
	case StatusCancelled:
		return ErrCancelled
	case StatusExpired:
		return ErrExpired
	}
	return nil
}

// Store persists and retrieves PendingIntent records.
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

// WithClaimLease overrides DefaultClaimLease.
func WithClaimLease(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lease = d
		}
	}
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
	SELECT id, session_id, intent_type, args_json, preview_text, status,
	       created_at, expires_at, resolved_at, resolve_reason, result_ref,
	       claim_token, claimed_at
	FROM intents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*PendingIntent, error) {
	p := &PendingIntent{}
	var (
		resolvedAt, claimedAt         sql.NullTime
		reason, resultRef, claimToken sql.NullString
		intentType, status            string
	)
	if err := row.Scan(
		&p.ID, &p.SessionID, &intentType, &p.ArgsJSON, &p.PreviewText, &status,
		&p.CreatedAt, &p.ExpiresAt, &resolvedAt, &reason, &resultRef,
		&claimToken, &claimedAt,
	); err != nil {
		return nil, err
	}
	p.Type = Type(intentType)
	p.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		p.ClaimedAt = &t
	}
	p.ResolveReason = reason.String
	p.ResultRef = resultRef.String
	p.ClaimToken = claimToken.String

	args, err := DecodeArgs(p.Type, p.ArgsJSON)
	if err != nil {
		return nil, err
	}
	p.Args = args
	return p, nil
}

// Create persists a new pending intent for sessionID. Any older pending
// intent of the same type in the session is cancelled as superseded in the
// same transaction and listed in the result's Superseded. ttl <= 0 selects
// DefaultTTL.
func (s *Store) Create(ctx context.Context, sessionID string, args Args, preview string, ttl time.Duration) (*PendingIntent, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	argsJSON, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.clock()
	p := &PendingIntent{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Type:        args.IntentType(),
		Args:        args,
		ArgsJSON:    argsJSON,
		PreviewText: TruncatePreview(preview),
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		superseded, err := pendingIDs(ctx, tx, sessionID, p.Type)
		if err != nil {
			return err
		}
		p.Superseded = nil
		for _, id := range superseded {
			res, err := tx.ExecContext(ctx, `
				UPDATE intents
				SET status = 'cancelled', resolved_at = ?, resolve_reason = 'superseded', claim_token = NULL
				WHERE id = ? AND status = 'pending' AND claim_token IS NULL
			`, now, id)
			if err != nil {
				return fmt.Errorf("failed to supersede intent %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			p.Superseded = append(p.Superseded, id)
			if err := store.AppendAudit(ctx, tx, store.AuditRecord{
				SessionID: sessionID,
				Action:    "intent.cancelled",
				Target:    id,
				Payload:   store.AuditPayload{"reason": "superseded", "by": p.ID},
			}); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO intents (id, session_id, intent_type, args_json, preview_text, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		`, p.ID, p.SessionID, string(p.Type), p.ArgsJSON, p.PreviewText, p.CreatedAt, p.ExpiresAt); err != nil {
			return fmt.Errorf("failed to insert intent: %w", err)
		}

		return store.AppendAudit(ctx, tx, store.AuditRecord{
			SessionID: sessionID,
			Action:    "intent.created",
			Target:    p.ID,
			Payload:   store.AuditPayload{"type": string(p.Type), "expires_at": p.ExpiresAt.Format(time.RFC3339)},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create intent: %w", err)
	}

	trace.Logger(ctx).Info("intent created", "intent", p.ID, "type", p.Type, "expires_at", p.ExpiresAt, "superseded", len(p.Superseded))
	return p, nil
}

func pendingIDs(ctx context.Context, tx *sql.Tx, sessionID string, t Type) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM intents WHERE session_id = ? AND intent_type = ? AND status = 'pending'
	`, sessionID, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending intents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) load(ctx context.Context, id string) (*PendingIntent, error) {
	p, err := scanIntent(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return p, nil
}

// Get retrieves an intent by ID, applying lazy expiry.
func (s *Store) Get(ctx context.Context, id string) (*PendingIntent, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.expireIfDue(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetForSession is Get restricted to intents owned by sessionID.
func (s *Store) GetForSession(ctx context.Context, sessionID, id string) (*PendingIntent, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.SessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// ListPending returns the session's intents that were pending when read, in
// creation order. Entries found past their deadline are expired on the way
// and returned with StatusExpired so callers can tell the user.
func (s *Store) ListPending(ctx context.Context, sessionID string) ([]*PendingIntent, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE session_id = ? AND status = 'pending'
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}

	var out []*PendingIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating intents: %w", err)
	}
	rows.Close()

	for _, p := range out {
		if err := s.expireIfDue(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LatestResolved returns the session's most recently resolved intent, or nil
// when none was resolved at or after since.
func (s *Store) LatestResolved(ctx context.Context, sessionID string, since time.Time) (*PendingIntent, error) {
	p, err := scanIntent(s.db.QueryRowContext(ctx, selectColumns+`
		WHERE session_id = ? AND status != 'pending' AND resolved_at IS NOT NULL
		ORDER BY resolved_at DESC
		LIMIT 1
	`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest resolved intent: %w", err)
	}
	if p.ResolvedAt == nil || p.ResolvedAt.Before(since) {
		return nil, nil
	}
	return p, nil
}

// List returns up to limit intents for a session, newest first, filtered by
// status when status is non-empty.
func (s *Store) List(ctx context.Context, sessionID string, status Status, limit int) ([]*PendingIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectColumns + ` WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	var out []*PendingIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExpireStale expires every overdue pending intent across all sessions and
// returns how many were transitioned. Reads expire lazily anyway; this keeps
// listings and the audit trail current for idle sessions.
func (s *Store) ExpireStale(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to query pending intents: %w", err)
	}
	var pending []*PendingIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan intent: %w", err)
		}
		pending = append(pending, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, fmt.Errorf("error iterating intents: %w", err)
	}

	n := 0
	for _, p := range pending {
		if err := s.expireIfDue(ctx, p); err != nil {
			return n, err
		}
		if p.Status == StatusExpired {
			n++
		}
	}
	return n, nil
}

// expireIfDue transitions an overdue pending intent to expired. An intent
// under a live execution claim is left alone until the claim resolves.
func (s *Store) expireIfDue(ctx context.Context, p *PendingIntent) error {
	now := s.clock()
	if !p.IsExpired(now) || p.claimLive(now, s.lease) {
		return nil
	}

	changed, err := s.transition(ctx, p.ID, p.ClaimToken, StatusExpired, "expired before confirmation", "", now)
	if err != nil {
		return err
	}
	if !changed {
		fresh, err := s.load(ctx, p.ID)
		if err != nil {
			return err
		}
		*p = *fresh
		return nil
	}

	p.Status = StatusExpired
	p.ResolvedAt = &now
	p.ResolveReason = "expired before confirmation"
	p.ClaimToken = ""
	p.ClaimedAt = nil
	trace.Logger(ctx).Info("intent expired", "intent", p.ID, "type", p.Type)
	return nil
}

// transition moves a pending intent whose claim token currently equals
// expectToken ("" for none) to a terminal status, writing the audit row in
// the same transaction. It reports whether a row changed.
func (s *Store) transition(ctx context.Context, id, expectToken string, to Status, reason, resultRef string, now time.Time) (bool, error) {
	var changed bool
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE intents
			SET status = ?, resolved_at = ?, resolve_reason = ?, result_ref = ?,
			    claim_token = NULL, claimed_at = NULL
			WHERE id = ? AND status = 'pending' AND COALESCE(claim_token, '') = ?
		`, string(to), now, nullable(reason), nullable(resultRef), id, expectToken)
		if err != nil {
			return fmt.Errorf("failed to update intent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		changed = true
		payload := store.AuditPayload{"reason": reason}
		if resultRef != "" {
			payload["result_ref"] = resultRef
		}
		return store.AppendAudit(ctx, tx, store.AuditRecord{
			Action:  "intent." + string(to),
			Target:  id,
			Payload: payload,
		})
	})
	return changed, err
}

// Claim reserves a pending intent for execution under token. It fails with
// the status sentinel when the intent is no longer pending and with
// ErrInProgress when another live claim exists. Abandoned claims (older than
// the lease) are taken over.
func (s *Store) Claim(ctx context.Context, id, token string) (*PendingIntent, error) {
	if token == "" {
		return nil, errors.New("claim token is required")
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := StatusError(p.Status); err != nil {
		return p, err
	}

	now := s.clock()
	if p.claimLive(now, s.lease) {
		return p, ErrInProgress
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE intents
		SET claim_token = ?, claimed_at = ?
		WHERE id = ? AND status = 'pending' AND COALESCE(claim_token, '') = ?
	`, token, now, id, p.ClaimToken)
	if err != nil {
		return nil, fmt.Errorf("failed to claim intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		fresh, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := StatusError(fresh.Status); err != nil {
			return fresh, err
		}
		return fresh, ErrInProgress
	}

	p.ClaimToken = token
	p.ClaimedAt = &now
	return p, nil
}

// MarkExecuted completes a claimed intent.
func (s *Store) MarkExecuted(ctx context.Context, id, token, resultRef string) error {
	changed, err := s.transition(ctx, id, token, StatusExecuted, "confirmed", resultRef, s.clock())
	if err != nil {
		return err
	}
	if changed {
		trace.Logger(ctx).Info("intent executed", "intent", id, "result_ref", resultRef)
		return nil
	}
	return s.explainNoChange(ctx, id, ErrClaimLost)
}

// Release drops a claim after a failed execution, leaving the intent pending
// so the user can retry. cause is recorded in the audit log.
func (s *Store) Release(ctx context.Context, id, token, cause string) error {
	return store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE intents SET claim_token = NULL, claimed_at = NULL
			WHERE id = ? AND status = 'pending' AND claim_token = ?
		`, id, token)
		if err != nil {
			return fmt.Errorf("failed to release intent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrClaimLost
		}
		return store.AppendAudit(ctx, tx, store.AuditRecord{
			Action: "intent.execute_failed",
			Target: id,
			Result: store.ResultError,
			Error:  cause,
		})
	})
}

// Cancel marks a pending, unclaimed intent as cancelled.
func (s *Store) Cancel(ctx context.Context, id, reason string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := StatusError(p.Status); err != nil {
		return err
	}
	if p.claimLive(s.clock(), s.lease) {
		return ErrInProgress
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	changed, err := s.transition(ctx, id, p.ClaimToken, StatusCancelled, reason, "", s.clock())
	if err != nil {
		return err
	}
	if !changed {
		return s.explainNoChange(ctx, id, ErrInProgress)
	}
	trace.Logger(ctx).Info("intent cancelled", "intent", id, "reason", reason)
	return nil
}

// UpdatePreview replaces the preview of a pending intent, e.g. after the
// underlying draft was edited.
func (s *Store) UpdatePreview(ctx context.Context, id, preview string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE intents SET preview_text = ? WHERE id = ? AND status = 'pending'
	`, TruncatePreview(preview), id)
	if err != nil {
		return fmt.Errorf("failed to update intent preview: %w", err)
	}
	return nil
}

// explainNoChange re-reads an intent after a conditional update matched no
// row and returns the error describing why.
func (s *Store) explainNoChange(ctx context.Context, id string, fallback error) error {
	fresh, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := StatusError(fresh.Status); err != nil {
		return err
	}
	return fallback
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
