package matrix

// syncstore.go persists the /sync position in SQLite so a restart resumes
// where the previous run stopped instead of replaying room history and
// answering (or confirming) old messages twice.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*DBSyncStore)(nil)

const (
	keyFilterID  = "filter_id"
	keyNextBatch = "next_batch"
)

// DBSyncStore implements mautrix.SyncStore on the matrix_sync_state table,
// one row per (user_id, key). Each write stamps updated_at, so the row for
// next_batch doubles as a liveness signal for the sync loop.
type DBSyncStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDBSyncStore creates a DBSyncStore on db.
func NewDBSyncStore(db *sql.DB) *DBSyncStore {
	return &DBSyncStore{db: db, now: time.Now}
}

func (s *DBSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.put(ctx, userID, keyFilterID, filterID)
}

// LoadFilterID returns ("", nil) when no filter has been saved yet.
func (s *DBSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	v, _, err := s.get(ctx, userID, keyFilterID)
	return v, err
}

func (s *DBSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.put(ctx, userID, keyNextBatch, nextBatchToken)
}

// LoadNextBatch returns ("", nil) on first run.
func (s *DBSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	v, _, err := s.get(ctx, userID, keyNextBatch)
	return v, err
}

// LastSync reports when any account last advanced its sync position. The
// zero time means the transport has never synced.
func (s *DBSyncStore) LastSync(ctx context.Context) (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(updated_at) FROM matrix_sync_state WHERE key = ?`, keyNextBatch,
	).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("load last sync: %w", err)
	}
	return parseStamp(raw.String), nil
}

func (s *DBSyncStore) put(ctx context.Context, userID id.UserID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, userID.String(), key, value, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save sync %s: %w", key, err)
	}
	return nil
}

func (s *DBSyncStore) get(ctx context.Context, userID id.UserID, key string) (string, time.Time, error) {
	var value, stamp string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM matrix_sync_state WHERE user_id = ? AND key = ?`,
		userID.String(), key,
	).Scan(&value, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load sync %s: %w", key, err)
	}
	return value, parseStamp(stamp), nil
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
