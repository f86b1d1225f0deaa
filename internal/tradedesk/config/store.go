// Package config provides a lightweight key/value configuration store backed
// by a SQLite table. It holds operator-tunable knobs such as the intent TTL,
// the policy pin window and the NLP rate limit; values set here override the
// environment defaults without a restart.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

// ErrNotFound is returned by Get when the requested key does not exist.
var ErrNotFound = errors.New("config: key not found")

// Runtime-tunable keys.
const (
	KeyIntentTTL     = "intents.ttl"
	KeyPinWindow     = "policy.pin-window"
	KeyRecentWindow  = "confirm.recent-window"
	KeyBlockedTools  = "tools.blocked"
	KeyNLPModel      = "nlp.model"
	KeyNLPRateLimit  = "nlp.rate-limit"
	KeyNLPMaxHistory = "nlp.max-history"
)

var permitted = map[string]func(string) error{
	KeyIntentTTL:     validDuration,
	KeyPinWindow:     validDuration,
	KeyRecentWindow:  validDuration,
	KeyBlockedTools:  func(string) error { return nil },
	KeyNLPModel:      func(string) error { return nil },
	KeyNLPRateLimit:  validInt,
	KeyNLPMaxHistory: validInt,
}

// Permitted returns the allowlisted keys in stable order.
func Permitted() []string {
	keys := make([]string, 0, len(permitted))
	for k := range permitted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that key is allowlisted and value parses for it.
func Validate(key, value string) error {
	check, ok := permitted[key]
	if !ok {
		return fmt.Errorf("unknown config key %q (permitted: %s)", key, strings.Join(Permitted(), ", "))
	}
	if err := check(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

func validDuration(v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

func validInt(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	if n < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

// Store is the read/write interface for the runtime configuration table.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every stored key/value pair. An empty map (not nil) is
	// returned when nothing is set.
	List(ctx context.Context) (map[string]string, error)
}

type sqliteStore struct {
	db *sql.DB
}

// New creates a Store backed by the application database.
func New(db *sql.DB) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("config: get %q: %w", key, err)
	}
	return value, nil
}

// Set upserts the pair and writes a config.set audit row in the same
// transaction.
func (s *sqliteStore) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO config (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value      = excluded.value,
				updated_at = excluded.updated_at
		`, key, value, now)
		if err != nil {
			return fmt.Errorf("config: set %q: %w", key, err)
		}
		return store.AppendAudit(ctx, tx, store.AuditRecord{
			Action:  "config.set",
			Target:  key,
			Payload: store.AuditPayload{"value": value},
		})
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("config: delete %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("config: list: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("config: list scan: %w", err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: list rows: %w", err)
	}
	return result, nil
}

// DurationOr reads key as a duration, returning def when unset or invalid.
func DurationOr(ctx context.Context, s Store, key string, def time.Duration) time.Duration {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IntOr reads key as an integer, returning def when unset or invalid.
func IntOr(ctx context.Context, s Store, key string, def int) int {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// StringOr reads key, returning def when unset.
func StringOr(ctx context.Context, s Store, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil || v == "" {
		return def
	}
	return v
}

// List splits a comma-separated value, dropping empty entries.
func List(ctx context.Context, s Store, key string) []string {
	v, err := s.Get(ctx, key)
	if err != nil {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
