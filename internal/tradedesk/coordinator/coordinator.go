// Package coordinator is the single path through which confirmed side
// effects reach the outside world.
//
// E-mail sends always start from the draft row in the database, never from
// a cached copy, so an edit made after the preview is what gets delivered.
// A draft moves to sent exactly once: the send is guarded by a claim token
// written with a conditional update, and the final draft -> sent transition
// is conditional on that token and the claimed revision.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bdobrica/tradedesk/common/retry"
	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
)

// Message is one e-mail to deliver.
type Message struct {
	DraftID  string
	Revision int
	To       []string
	Cc       []string
	Subject  string
	Body     string
	// IdempotencyKey is stable for a draft revision. Transports that support
	// deduplication should pass it through.
	IdempotencyKey string
}

// Mailer delivers e-mail.
type Mailer interface {
	Send(ctx context.Context, msg Message) (deliveryRef string, err error)
}

// DeclarationAPI files customs declarations.
type DeclarationAPI interface {
	File(ctx context.Context, idempotencyKey string, args intents.DeclarationArgs) (ref string, err error)
}

// ReportSender generates and delivers reports.
type ReportSender interface {
	SendReport(ctx context.Context, idempotencyKey string, args intents.ReportArgs) (ref string, err error)
}

// DraftStore is the subset of the draft store the coordinator needs.
type DraftStore interface {
	Get(ctx context.Context, id string) (*drafts.Draft, error)
	Claim(ctx context.Context, id, token string) (*drafts.Draft, error)
	MarkSent(ctx context.Context, id, token string, revision int, deliveryRef string) error
	Release(ctx context.Context, id, token, cause string) error
}

// ExternalEffectError reports a failed call to an outside system. Nothing
// was marked done; the caller may retry.
type ExternalEffectError struct {
	Op     string
	Target string
	Err    error
}

func (e *ExternalEffectError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ExternalEffectError) Unwrap() error { return e.Err }

// ErrNotConfigured is returned when no collaborator is wired for an action.
var ErrNotConfigured = errors.New("no delivery backend configured")

// Result describes a completed (or previously completed) side effect.
type Result struct {
	Ref string
	// Revision is the draft revision that was sent, for e-mails.
	Revision int
	Subject  string
	// AlreadyDone is true when the effect had happened before this call.
	AlreadyDone bool
}

// Coordinator executes confirmed actions.
type Coordinator struct {
	drafts       DraftStore
	mailer       Mailer
	declarations DeclarationAPI
	reports      ReportSender
	retry        retry.Config
	flight       singleflight.Group
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDeclarationAPI wires the customs declaration backend.
func WithDeclarationAPI(api DeclarationAPI) Option {
	return func(c *Coordinator) { c.declarations = api }
}

// WithReportSender wires the report delivery backend.
func WithReportSender(rs ReportSender) Option {
	return func(c *Coordinator) { c.reports = rs }
}

// WithRetry overrides the retry policy used for external calls.
func WithRetry(cfg retry.Config) Option {
	return func(c *Coordinator) { c.retry = cfg }
}

// New creates a Coordinator.
func New(ds DraftStore, mailer Mailer, opts ...Option) *Coordinator {
	c := &Coordinator{drafts: ds, mailer: mailer, retry: retry.DefaultConfig}
	for _, o := range opts {
		o(c)
	}
	if c.retry.ShouldRetry == nil {
		c.retry.ShouldRetry = retry.IsTransient
	}
	return c
}

// ExecuteFromArtifact sends the current revision of a draft. A draft that is
// already sent yields AlreadyDone without contacting the mailer. A draft
// being sent by another worker yields drafts.ErrInProgress.
func (c *Coordinator) ExecuteFromArtifact(ctx context.Context, draftID string) (*Result, error) {
	v, err, shared := c.flight.Do("draft:"+draftID, func() (any, error) {
		return c.sendDraft(ctx, draftID)
	})
	if shared {
		trace.Logger(ctx).Debug("joined in-flight draft send", "draft", draftID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Coordinator) sendDraft(ctx context.Context, draftID string) (*Result, error) {
	log := trace.Logger(ctx).With("draft", draftID)

	d, err := c.drafts.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if d.Status == drafts.StatusSent {
		return alreadySent(d), nil
	}

	token := uuid.NewString()
	d, err = c.drafts.Claim(ctx, draftID, token)
	if errors.Is(err, drafts.ErrAlreadySent) {
		return alreadySent(d), nil
	}
	if err != nil {
		return nil, err
	}

	msg := Message{
		DraftID:        d.ID,
		Revision:       d.Revision,
		To:             d.To,
		Cc:             d.Cc,
		Subject:        d.Subject,
		Body:           d.Body,
		IdempotencyKey: d.ID + "@" + strconv.Itoa(d.Revision),
	}
	if c.mailer == nil {
		c.release(ctx, draftID, token, ErrNotConfigured)
		return nil, &ExternalEffectError{Op: "send e-mail", Target: draftID, Err: ErrNotConfigured}
	}

	var ref string
	err = retry.Do(ctx, c.retry, func() error {
		var sendErr error
		ref, sendErr = c.mailer.Send(ctx, msg)
		return sendErr
	})
	if err != nil {
		log.Error("e-mail delivery failed", "revision", d.Revision, "err", err)
		c.release(ctx, draftID, token, err)
		return nil, &ExternalEffectError{Op: "send e-mail", Target: draftID, Err: err}
	}

	if err := c.drafts.MarkSent(context.WithoutCancel(ctx), draftID, token, d.Revision, ref); err != nil {
		// The mail left but the row did not move. The claim stays until the
		// lease runs out so nobody resends immediately.
		log.Error("e-mail delivered but draft not marked sent", "revision", d.Revision, "ref", ref, "err", err)
		return nil, fmt.Errorf("record sent draft %s: %w", draftID, err)
	}

	log.Info("e-mail sent", "revision", d.Revision, "ref", ref, "recipients", len(d.To)+len(d.Cc))
	return &Result{Ref: ref, Revision: d.Revision, Subject: d.Subject}, nil
}

func (c *Coordinator) release(ctx context.Context, draftID, token string, cause error) {
	if err := c.drafts.Release(context.WithoutCancel(ctx), draftID, token, cause.Error()); err != nil {
		trace.Logger(ctx).Warn("failed to release draft claim", "draft", draftID, "err", err)
	}
}

func alreadySent(d *drafts.Draft) *Result {
	return &Result{Ref: d.DeliveryRef, Revision: d.SentRevision, Subject: d.Subject, AlreadyDone: true}
}

// ExecuteIntent runs the side effect described by a claimed intent. The
// intent ID is the idempotency key for non-draft actions.
func (c *Coordinator) ExecuteIntent(ctx context.Context, p *intents.PendingIntent) (*Result, error) {
	switch args := p.Args.(type) {
	case intents.EmailArgs:
		return c.ExecuteFromArtifact(ctx, args.DraftID)

	case intents.DeclarationArgs:
		if c.declarations == nil {
			return nil, &ExternalEffectError{Op: "file declaration", Target: args.ProcessRef, Err: ErrNotConfigured}
		}
		return c.once(ctx, "intent:"+p.ID, "file declaration", args.ProcessRef, func() (string, error) {
			return c.declarations.File(ctx, p.ID, args)
		})

	case intents.ReportArgs:
		if c.reports == nil {
			return nil, &ExternalEffectError{Op: "send report", Target: args.Report, Err: ErrNotConfigured}
		}
		return c.once(ctx, "intent:"+p.ID, "send report", args.Report, func() (string, error) {
			return c.reports.SendReport(ctx, p.ID, args)
		})
	}
	return nil, fmt.Errorf("intent %s: unsupported args %T", p.ID, p.Args)
}

func (c *Coordinator) once(ctx context.Context, key, op, target string, call func() (string, error)) (*Result, error) {
	v, err, _ := c.flight.Do(key, func() (any, error) {
		var ref string
		err := retry.Do(ctx, c.retry, func() error {
			var callErr error
			ref, callErr = call()
			return callErr
		})
		if err != nil {
			trace.Logger(ctx).Error("external action failed", "op", op, "target", target, "err", err)
			return nil, &ExternalEffectError{Op: op, Target: target, Err: err}
		}
		trace.Logger(ctx).Info("external action completed", "op", op, "target", target, "ref", ref)
		return &Result{Ref: ref}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}
