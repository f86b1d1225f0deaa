package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/tradedesk/common/retry"
	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

// Outbox kinds.
const (
	KindEmail       = "email"
	KindDeclaration = "declaration"
	KindReport      = "report"
)

// OutboxEntry is one queued outbound effect.
type OutboxEntry struct {
	ID             string
	IdempotencyKey string
	Kind           string
	SessionID      string
	Payload        json.RawMessage
	Status         string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	Attempts       int
	LastError      string
}

// Outbox hands effects to delivery workers through the outbox table. It
// implements Mailer, DeclarationAPI and ReportSender; the returned reference
// is the outbox row ID. Enqueueing the same idempotency key twice returns
// the first row.
//
// Delivery itself happens outside this process. A worker drains Pending and
// settles each entry with MarkDelivered or MarkFailed, directly or through
// the "tradedesk outbox" commands.
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutbox creates an Outbox on db. now may be nil.
func NewOutbox(db *sql.DB, now func() time.Time) *Outbox {
	if now == nil {
		now = time.Now
	}
	return &Outbox{db: db, now: now}
}

func (o *Outbox) Send(ctx context.Context, msg Message) (string, error) {
	return o.enqueue(ctx, KindEmail, msg.IdempotencyKey, msg)
}

func (o *Outbox) File(ctx context.Context, key string, args intents.DeclarationArgs) (string, error) {
	return o.enqueue(ctx, KindDeclaration, key, args)
}

func (o *Outbox) SendReport(ctx context.Context, key string, args intents.ReportArgs) (string, error) {
	return o.enqueue(ctx, KindReport, key, args)
}

func (o *Outbox) enqueue(ctx context.Context, kind, key string, payload any) (string, error) {
	if key == "" {
		return "", retry.Permanent(errors.New("outbox: idempotency key is required"))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("outbox: encode %s payload: %w", kind, err))
	}

	id := uuid.NewString()
	var ref string
	err = store.WithTx(ctx, o.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (id, idempotency_key, kind, session_id, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, id, key, kind, trace.SessionFromContext(ctx), string(raw), o.now().UTC())
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tx.QueryRowContext(ctx, `SELECT id FROM outbox WHERE idempotency_key = ?`, key).Scan(&ref)
		}
		ref = id
		return store.AppendAudit(ctx, tx, store.AuditRecord{
			Action:  "outbox.queued",
			Target:  id,
			Payload: store.AuditPayload{"kind": kind, "key": key},
		})
	})
	if err != nil {
		if retry.IsSQLiteBusy(err) {
			return "", retry.Transient(err)
		}
		return "", err
	}
	return ref, nil
}

// Pending returns queued entries oldest first, at most limit (0 means 100).
func (o *Outbox) Pending(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, idempotency_key, kind, session_id, payload_json, status, created_at, delivered_at, attempts, COALESCE(last_error, '')
		FROM outbox WHERE status = 'queued' ORDER BY created_at, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		var payload string
		var delivered sql.NullTime
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.Kind, &e.SessionID, &payload, &e.Status,
			&e.CreatedAt, &delivered, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if delivered.Valid {
			t := delivered.Time
			e.DeliveredAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered records that a worker delivered entry id.
func (o *Outbox) MarkDelivered(ctx context.Context, id string) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'delivered', delivered_at = ?, attempts = attempts + 1
		WHERE id = ? AND status = 'queued'
	`, o.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %s is not queued", id)
	}
	return nil
}

// MarkFailed records a failed attempt. The entry stays queued until
// maxAttempts is reached, then moves to failed.
func (o *Outbox) MarkFailed(ctx context.Context, id, cause string, maxAttempts int) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = ?,
		    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE status END
		WHERE id = ? AND status = 'queued'
	`, cause, maxAttempts, id)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}
