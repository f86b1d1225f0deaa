// Package drafts stores editable e-mail artifacts. The database row always
// holds the latest revision, and every revision is also kept in an immutable
// history table. A draft is sent at most once.
package drafts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status of a draft.
type Status string

const (
	StatusDraft Status = "draft"
	StatusSent  Status = "sent"
)

// DefaultClaimLease is how long a send claim blocks edits and other senders.
const DefaultClaimLease = 2 * time.Minute

var (
	ErrNotFound      = errors.New("draft not found")
	ErrAlreadySent   = errors.New("draft already sent")
	ErrStaleRevision = errors.New("draft was modified since it was loaded")
	ErrInProgress    = errors.New("draft is being sent")
	ErrClaimLost     = errors.New("draft claim no longer held")
)

// Content is the user-visible part of a draft.
type Content struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Validate checks the minimum needed to send.
func (c Content) Validate() error {
	if len(c.To) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, addr := range append(append([]string{}, c.To...), c.Cc...) {
		if !strings.Contains(addr, "@") {
			return fmt.Errorf("invalid address %q", addr)
		}
	}
	if strings.TrimSpace(c.Subject) == "" && strings.TrimSpace(c.Body) == "" {
		return errors.New("subject or body is required")
	}
	return nil
}

// Draft is the latest state of an e-mail artifact.
type Draft struct {
	ID        string
	SessionID string
	Revision  int
	Content
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SentAt       *time.Time
	SentRevision int
	DeliveryRef  string
	ClaimToken   string
	ClaimedAt    *time.Time
}

// Preview renders a one-line summary suitable for a confirmation prompt.
func (d *Draft) Preview() string {
	return fmt.Sprintf("To: %s | Subject: %s | %s", strings.Join(d.To, ", "), d.Subject, d.Body)
}

func (d *Draft) claimLive(now time.Time, lease time.Duration) bool {
	return d.ClaimToken != "" && d.ClaimedAt != nil && now.Before(d.ClaimedAt.Add(lease))
}

// Revision is one entry of a draft's history.
type Revision struct {
	DraftID  string
	Revision int
	Content
	EditedBy  string
	CreatedAt time.Time
}
