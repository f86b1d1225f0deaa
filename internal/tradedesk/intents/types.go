// Package intents persists pending intents: side-effecting actions that were
// selected in a conversation but must be confirmed by the user before they
// run.
//
// An intent moves from pending to exactly one terminal state (executed,
// cancelled or expired) through conditional updates guarded by the current
// status, so duplicate confirmations race on the database rather than on
// process memory. Expiry is lazy: an overdue intent is marked expired by
// whichever read notices it first.
package intents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Type is the closed set of confirmable actions.
type Type string

const (
	TypeSendEmail         Type = "send_email"
	TypeCreateDeclaration Type = "create_declaration"
	TypeSendReport        Type = "send_report"
)

// Types lists every intent type in display order.
var Types = []Type{TypeSendEmail, TypeCreateDeclaration, TypeSendReport}

// Valid reports whether t is one of the known intent types.
func (t Type) Valid() bool {
	switch t {
	case TypeSendEmail, TypeCreateDeclaration, TypeSendReport:
		return true
	}
	return false
}

// Label is the human-readable name used in replies.
func (t Type) Label() string {
	switch t {
	case TypeSendEmail:
		return "e-mail"
	case TypeCreateDeclaration:
		return "customs declaration"
	case TypeSendReport:
		return "report"
	}
	return string(t)
}

// Status represents the lifecycle state of an intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusExpired
}

const (
	// DefaultTTL is how long an intent stays confirmable.
	DefaultTTL = 15 * time.Minute

	// DefaultClaimLease is how long an execution claim blocks other
	// workers. A claim older than this is treated as abandoned.
	DefaultClaimLease = 2 * time.Minute

	// MaxPreviewRunes bounds the stored preview so large payloads never
	// end up in the intents table.
	MaxPreviewRunes = 200
)

// Args is the normalized, re-executable payload of an intent. Each Type has
// exactly one Args implementation.
type Args interface {
	IntentType() Type
	Validate() error
}

// EmailArgs points at the draft to send. The draft itself is always re-read
// from the draft store at execution time.
type EmailArgs struct {
	DraftID string `json:"draft_id"`
	// PreviewRevision is the draft revision shown to the user when the
	// intent was created. Informational only.
	PreviewRevision int `json:"preview_revision,omitempty"`
}

func (EmailArgs) IntentType() Type { return TypeSendEmail }

func (a EmailArgs) Validate() error {
	if a.DraftID == "" {
		return errors.New("draft_id is required")
	}
	return nil
}

// DeclarationItem is one line of a customs declaration.
type DeclarationItem struct {
	NCM         string  `json:"ncm"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity,omitempty"`
	Value       float64 `json:"value,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

// DeclarationArgs describes a customs declaration to file for a process.
type DeclarationArgs struct {
	ProcessRef string            `json:"process_ref"`
	Regime     string            `json:"regime"`
	Items      []DeclarationItem `json:"items,omitempty"`
}

func (DeclarationArgs) IntentType() Type { return TypeCreateDeclaration }

func (a DeclarationArgs) Validate() error {
	if a.ProcessRef == "" {
		return errors.New("process_ref is required")
	}
	if a.Regime == "" {
		return errors.New("regime is required")
	}
	return nil
}

// ReportArgs describes a report delivery.
type ReportArgs struct {
	Report     string   `json:"report"`
	ProcessRef string   `json:"process_ref,omitempty"`
	Period     string   `json:"period,omitempty"`
	Recipients []string `json:"recipients"`
}

func (ReportArgs) IntentType() Type { return TypeSendReport }

func (a ReportArgs) Validate() error {
	if a.Report == "" {
		return errors.New("report is required")
	}
	if len(a.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	return nil
}

// EncodeArgs serialises args for the args_json column.
func EncodeArgs(a Args) (string, error) {
	if a == nil {
		return "", errors.New("intent args are required")
	}
	if err := a.Validate(); err != nil {
		return "", fmt.Errorf("invalid %s args: %w", a.IntentType(), err)
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode %s args: %w", a.IntentType(), err)
	}
	return string(b), nil
}

// DecodeArgs restores the typed payload stored for an intent of type t.
func DecodeArgs(t Type, raw string) (Args, error) {
	var (
		a   Args
		err error
	)
	switch t {
	case TypeSendEmail:
		var v EmailArgs
		err = json.Unmarshal([]byte(raw), &v)
		a = v
	case TypeCreateDeclaration:
		var v DeclarationArgs
		err = json.Unmarshal([]byte(raw), &v)
		a = v
	case TypeSendReport:
		var v ReportArgs
		err = json.Unmarshal([]byte(raw), &v)
		a = v
	default:
		return nil, fmt.Errorf("unknown intent type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s args: %w", t, err)
	}
	return a, nil
}

// PendingIntent is a persisted confirmable action.
type PendingIntent struct {
	ID            string
	SessionID     string
	Type          Type
	Args          Args
	ArgsJSON      string
	PreviewText   string
	Status        Status
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ResolvedAt    *time.Time
	ResolveReason string
	ResultRef     string
	ClaimToken    string
	ClaimedAt     *time.Time
	// Superseded lists the pending intents of the same type that Create
	// cancelled to make room for this one. It is not persisted.
	Superseded []string
}

// IsExpired reports whether the intent is still pending but past its deadline.
func (p *PendingIntent) IsExpired(now time.Time) bool {
	return p.Status == StatusPending && now.After(p.ExpiresAt)
}

// ShortID returns the first eight characters of the ID for display.
func (p *PendingIntent) ShortID() string {
	if len(p.ID) > 8 {
		return p.ID[:8]
	}
	return p.ID
}

func (p *PendingIntent) claimLive(now time.Time, lease time.Duration) bool {
	return p.ClaimToken != "" && p.ClaimedAt != nil && now.Before(p.ClaimedAt.Add(lease))
}

// TruncatePreview collapses whitespace and bounds s to MaxPreviewRunes,
// ending with an ellipsis when shortened.
func TruncatePreview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= MaxPreviewRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxPreviewRunes-1]) + "…"
}
