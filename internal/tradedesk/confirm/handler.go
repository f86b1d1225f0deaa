// Package confirm resolves short replies ("yes", "no", "2") against the
// session's pending intents and runs or cancels the one they refer to.
//
// Pending intents are always loaded from the intent store, never from
// memory. When more than one is live and the reply does not say which, the
// handler lists them and waits for a selection instead of guessing.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/coordinator"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/policy"
	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
)

// OutcomeKind is the result of one Handle call.
type OutcomeKind string

const (
	// OutcomeUnrelated means the message is not about pending intents and
	// the turn continues through the normal pipeline.
	OutcomeUnrelated      OutcomeKind = "unrelated"
	OutcomeConfirmed      OutcomeKind = "confirmed"
	OutcomeCancelled      OutcomeKind = "cancelled"
	OutcomeAmbiguous      OutcomeKind = "ambiguous"
	OutcomeExpired        OutcomeKind = "expired"
	OutcomeAlreadyDone    OutcomeKind = "already_done"
	OutcomeNothingPending OutcomeKind = "nothing_pending"
	OutcomeInProgress     OutcomeKind = "in_progress"
	OutcomeFailed         OutcomeKind = "failed"
)

// Outcome is what the handler did and what to tell the user.
type Outcome struct {
	Kind OutcomeKind
	Text string
	// Intents are the intents acted on, or the candidates when ambiguous.
	Intents []*intents.PendingIntent
	Results []*coordinator.Result
}

// Handled reports whether the turn is finished.
func (o *Outcome) Handled() bool { return o != nil && o.Kind != OutcomeUnrelated }

// IntentStore is the subset of the intent store the handler needs.
type IntentStore interface {
	GetForSession(ctx context.Context, sessionID, id string) (*intents.PendingIntent, error)
	ListPending(ctx context.Context, sessionID string) ([]*intents.PendingIntent, error)
	LatestResolved(ctx context.Context, sessionID string, since time.Time) (*intents.PendingIntent, error)
	Claim(ctx context.Context, id, token string) (*intents.PendingIntent, error)
	MarkExecuted(ctx context.Context, id, token, resultRef string) error
	Release(ctx context.Context, id, token, cause string) error
	Cancel(ctx context.Context, id, reason string) error
}

// Executor performs the side effect of a claimed intent.
type Executor interface {
	ExecuteIntent(ctx context.Context, p *intents.PendingIntent) (*coordinator.Result, error)
}

// SelectionStore remembers the numbered list the user was shown.
type SelectionStore interface {
	Selection(ctx context.Context, sessionID string) (kind string, shown []string, err error)
	SetSelection(ctx context.Context, sessionID, kind string, shown []string) error
}

// DefaultRecentWindow is how far back a resolved intent still explains a
// stray "yes".
const DefaultRecentWindow = 30 * time.Minute

// Handler runs the confirmation state machine for one turn.
type Handler struct {
	intents  IntentStore
	executor Executor
	sessions SelectionStore
	words    func() policy.WordLists
	now      func() time.Time
	recent   func() time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// WithRecentWindow overrides DefaultRecentWindow. fn is read on every call.
func WithRecentWindow(fn func() time.Duration) Option { return func(h *Handler) { h.recent = fn } }

// NewHandler creates a Handler. words is read on every call so rule reloads
// take effect immediately.
func NewHandler(is IntentStore, ex Executor, ss SelectionStore, words func() policy.WordLists, opts ...Option) *Handler {
	h := &Handler{
		intents:  is,
		executor: ex,
		sessions: ss,
		words:    words,
		now:      time.Now,
		recent:   func() time.Duration { return DefaultRecentWindow },
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle classifies text and, when it is a confirmation, cancellation or a
// pending selection, resolves it. Unrelated messages yield OutcomeUnrelated.
//
// A number only ever refers to the list the user was last shown. If that
// list is gone the intents are listed again and nothing runs.
func (h *Handler) Handle(ctx context.Context, sessionID, text string) (*Outcome, error) {
	c := Classify(text, h.words())
	if c.Kind == KindNone {
		return &Outcome{Kind: OutcomeUnrelated}, nil
	}

	awaiting, shown, err := h.sessions.Selection(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if c.Kind == KindSelect {
		if awaiting != session.AwaitingIntent {
			return &Outcome{Kind: OutcomeUnrelated}, nil
		}
		c.Kind = KindConfirm
	}

	log := trace.Logger(ctx).With("classification", c.Kind)

	if c.Selector.Index > 0 && awaiting == session.AwaitingIntent && len(shown) > 0 {
		return h.handleShown(ctx, sessionID, c, shown)
	}

	all, err := h.intents.ListPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var live, expired []*intents.PendingIntent
	for _, p := range all {
		if p.Status == intents.StatusPending {
			live = append(live, p)
		} else if p.Status == intents.StatusExpired {
			expired = append(expired, p)
		}
	}

	if len(live) == 0 {
		h.clearSelection(ctx, sessionID, awaiting)
		if len(expired) > 0 {
			log.Info("confirmation hit expired intents", "count", len(expired))
			return &Outcome{Kind: OutcomeExpired, Text: expiredText(expired), Intents: expired}, nil
		}
		return h.nothingPending(ctx, sessionID, c.Kind)
	}

	if c.Selector.Index > 0 {
		log.Info("numbered reply without a shown list", "index", c.Selector.Index)
		return h.askWhich(ctx, sessionID, "", live, c.Kind)
	}

	candidates := pick(live, c.Selector)
	if len(candidates) == 0 {
		if matched := pick(expired, c.Selector); !c.Selector.Empty() && len(matched) > 0 {
			return &Outcome{Kind: OutcomeExpired, Text: expiredText(matched), Intents: matched}, nil
		}
		return h.askWhich(ctx, sessionID, "I could not match that to a pending action.\n", live, c.Kind)
	}
	if len(candidates) > 1 && !c.Selector.All {
		log.Info("ambiguous confirmation", "candidates", len(candidates))
		return h.askWhich(ctx, sessionID, "", candidates, c.Kind)
	}

	h.clearSelection(ctx, sessionID, awaiting)
	return h.resolve(ctx, c.Kind, candidates)
}

// handleShown resolves a numbered reply against the list the user saw. An
// entry that is no longer pending is reported and nothing runs.
func (h *Handler) handleShown(ctx context.Context, sessionID string, c Classification, shown []string) (*Outcome, error) {
	relist := func() (*Outcome, error) {
		live, err := h.live(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if len(live) == 0 {
			h.clearSelection(ctx, sessionID, session.AwaitingIntent)
			return h.nothingPending(ctx, sessionID, c.Kind)
		}
		return h.askWhich(ctx, sessionID, fmt.Sprintf("There is no item %d.\n", c.Selector.Index), live, c.Kind)
	}
	if c.Selector.Index > len(shown) {
		return relist()
	}

	p, err := h.intents.GetForSession(ctx, sessionID, shown[c.Selector.Index-1])
	if errors.Is(err, intents.ErrNotFound) {
		return relist()
	}
	if err != nil {
		return nil, err
	}
	if out := terminalOutcome(p); out != nil {
		trace.Logger(ctx).Info("selected intent is no longer pending", "intent", p.ID, "status", p.Status)
		if live, err := h.live(ctx, sessionID); err == nil && len(live) == 0 {
			h.clearSelection(ctx, sessionID, session.AwaitingIntent)
		}
		return out, nil
	}

	h.clearSelection(ctx, sessionID, session.AwaitingIntent)
	return h.resolve(ctx, c.Kind, []*intents.PendingIntent{p})
}

func (h *Handler) resolve(ctx context.Context, kind Kind, list []*intents.PendingIntent) (*Outcome, error) {
	if kind == KindCancel {
		return h.cancelAll(ctx, list)
	}
	return h.executeAll(ctx, list)
}

// askWhich lists the candidates and remembers exactly what was shown.
func (h *Handler) askWhich(ctx context.Context, sessionID, prefix string, list []*intents.PendingIntent, kind Kind) (*Outcome, error) {
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ID
	}
	if err := h.sessions.SetSelection(ctx, sessionID, session.AwaitingIntent, ids); err != nil {
		return nil, err
	}
	return &Outcome{Kind: OutcomeAmbiguous, Text: prefix + listText(list, kind), Intents: list}, nil
}

func (h *Handler) live(ctx context.Context, sessionID string) ([]*intents.PendingIntent, error) {
	all, err := h.intents.ListPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []*intents.PendingIntent
	for _, p := range all {
		if p.Status == intents.StatusPending {
			out = append(out, p)
		}
	}
	return out, nil
}

// ConfirmByID executes one intent of the session by ID, as from a button.
func (h *Handler) ConfirmByID(ctx context.Context, sessionID, id string) (*Outcome, error) {
	p, err := h.intents.GetForSession(ctx, sessionID, id)
	if err != nil {
		return nil, err
	}
	if out := terminalOutcome(p); out != nil {
		return out, nil
	}
	return h.executeAll(ctx, []*intents.PendingIntent{p})
}

// CancelByID cancels one intent of the session by ID.
func (h *Handler) CancelByID(ctx context.Context, sessionID, id string) (*Outcome, error) {
	p, err := h.intents.GetForSession(ctx, sessionID, id)
	if err != nil {
		return nil, err
	}
	if out := terminalOutcome(p); out != nil {
		return out, nil
	}
	return h.cancelAll(ctx, []*intents.PendingIntent{p})
}

func (h *Handler) clearSelection(ctx context.Context, sessionID, awaiting string) {
	if awaiting == "" {
		return
	}
	if err := h.sessions.SetSelection(ctx, sessionID, "", nil); err != nil {
		trace.Logger(ctx).Warn("failed to clear pending selection", "err", err)
	}
}

func (h *Handler) nothingPending(ctx context.Context, sessionID string, kind Kind) (*Outcome, error) {
	last, err := h.intents.LatestResolved(ctx, sessionID, h.now().Add(-h.recent()))
	if err != nil {
		return nil, err
	}
	if last == nil {
		// An intent the background sweep expired is reported however long
		// ago that was, as lazy expiry would have done on this reply.
		older, err := h.intents.LatestResolved(ctx, sessionID, time.Time{})
		if err != nil {
			return nil, err
		}
		if older != nil && older.Status == intents.StatusExpired {
			last = older
		}
	}
	if last != nil {
		if out := terminalOutcome(last); out != nil && (kind == KindConfirm || last.Status == intents.StatusCancelled) {
			return out, nil
		}
	}
	verb := "confirm"
	if kind == KindCancel {
		verb = "cancel"
	}
	return &Outcome{Kind: OutcomeNothingPending, Text: fmt.Sprintf("There is nothing pending to %s.", verb)}, nil
}

func (h *Handler) executeAll(ctx context.Context, list []*intents.PendingIntent) (*Outcome, error) {
	out := &Outcome{Kind: OutcomeConfirmed}
	var lines []string
	for _, p := range list {
		kind, text, res := h.execute(ctx, p)
		lines = append(lines, text)
		out.Intents = append(out.Intents, p)
		if res != nil {
			out.Results = append(out.Results, res)
		}
		// The first non-success outcome decides the overall kind.
		if out.Kind == OutcomeConfirmed && kind != OutcomeConfirmed {
			out.Kind = kind
		}
	}
	out.Text = strings.Join(lines, "\n")
	return out, nil
}

func (h *Handler) execute(ctx context.Context, p *intents.PendingIntent) (OutcomeKind, string, *coordinator.Result) {
	log := trace.Logger(ctx).With("intent", p.ID, "type", p.Type)

	token := uuid.NewString()
	claimed, err := h.intents.Claim(ctx, p.ID, token)
	if err != nil {
		if claimed != nil {
			if out := terminalOutcome(claimed); out != nil {
				return out.Kind, out.Text, nil
			}
		}
		if errors.Is(err, intents.ErrInProgress) {
			return OutcomeInProgress, fmt.Sprintf("The %s is already being processed.", p.Type.Label()), nil
		}
		log.Error("failed to claim intent", "err", err)
		return OutcomeFailed, apology(p), nil
	}

	res, err := h.executor.ExecuteIntent(ctx, claimed)
	if err != nil {
		if rerr := h.intents.Release(context.WithoutCancel(ctx), p.ID, token, err.Error()); rerr != nil {
			log.Warn("failed to release intent claim", "err", rerr)
		}
		if errors.Is(err, drafts.ErrInProgress) {
			return OutcomeInProgress, fmt.Sprintf("The %s is already being processed.", p.Type.Label()), nil
		}
		log.Error("intent execution failed", "err", err)
		return OutcomeFailed, apology(p), nil
	}

	if err := h.intents.MarkExecuted(context.WithoutCancel(ctx), p.ID, token, res.Ref); err != nil {
		log.Error("side effect done but intent not marked executed", "ref", res.Ref, "err", err)
	}
	log.Info("intent confirmed and executed", "ref", res.Ref, "already_done", res.AlreadyDone)

	if res.AlreadyDone {
		return OutcomeAlreadyDone, fmt.Sprintf("That %s was already %s.", p.Type.Label(), doneVerb(p.Type)), res
	}
	return OutcomeConfirmed, successText(claimed, res), res
}

func (h *Handler) cancelAll(ctx context.Context, list []*intents.PendingIntent) (*Outcome, error) {
	out := &Outcome{Kind: OutcomeCancelled}
	var lines []string
	for _, p := range list {
		err := h.intents.Cancel(ctx, p.ID, "")
		switch {
		case err == nil:
			lines = append(lines, fmt.Sprintf("Cancelled: %s.", p.PreviewText))
		case errors.Is(err, intents.ErrInProgress):
			lines = append(lines, fmt.Sprintf("The %s is already being processed and can no longer be cancelled.", p.Type.Label()))
			out.Kind = OutcomeInProgress
		default:
			fresh := *p
			switch {
			case errors.Is(err, intents.ErrAlreadyExecuted):
				fresh.Status = intents.StatusExecuted
			case errors.Is(err, intents.ErrCancelled):
				fresh.Status = intents.StatusCancelled
			case errors.Is(err, intents.ErrExpired):
				fresh.Status = intents.StatusExpired
			default:
				return nil, err
			}
			t := terminalOutcome(&fresh)
			lines = append(lines, t.Text)
			if out.Kind == OutcomeCancelled {
				out.Kind = t.Kind
			}
		}
		out.Intents = append(out.Intents, p)
	}
	out.Text = strings.Join(lines, "\n")
	return out, nil
}

// terminalOutcome describes an intent that can no longer be acted on, or
// returns nil while it is pending.
func terminalOutcome(p *intents.PendingIntent) *Outcome {
	list := []*intents.PendingIntent{p}
	switch p.Status {
	case intents.StatusExecuted:
		return &Outcome{Kind: OutcomeAlreadyDone, Intents: list,
			Text: fmt.Sprintf("That %s was already %s.", p.Type.Label(), doneVerb(p.Type))}
	case intents.StatusCancelled:
		return &Outcome{Kind: OutcomeCancelled, Intents: list,
			Text: fmt.Sprintf("That %s was already cancelled.", p.Type.Label())}
	case intents.StatusExpired:
		return &Outcome{Kind: OutcomeExpired, Intents: list, Text: expiredText(list)}
	}
	return nil
}

func doneVerb(t intents.Type) string {
	if t == intents.TypeCreateDeclaration {
		return "filed"
	}
	return "sent"
}

func expiredText(list []*intents.PendingIntent) string {
	if len(list) == 1 {
		return fmt.Sprintf("The %s request expired, please regenerate the preview.", list[0].Type.Label())
	}
	return fmt.Sprintf("%d requests expired, please regenerate them.", len(list))
}

func listText(list []*intents.PendingIntent, kind Kind) string {
	verb := "confirm"
	if kind == KindCancel {
		verb = "cancel"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d pending actions. Which one do you want to %s?\n", len(list), verb)
	for i, p := range list {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, p.Type, p.PreviewText)
	}
	b.WriteString(`Reply with the number or the action name, or "all".`)
	return b.String()
}

func apology(p *intents.PendingIntent) string {
	return fmt.Sprintf("Sorry, I could not complete the %s right now. Nothing was sent and the request is still pending; reply \"yes\" to try again.", p.Type.Label())
}

func successText(p *intents.PendingIntent, res *coordinator.Result) string {
	switch args := p.Args.(type) {
	case intents.EmailArgs:
		return fmt.Sprintf("Done: e-mail %q sent (revision %d).", res.Subject, res.Revision)
	case intents.DeclarationArgs:
		return fmt.Sprintf("Done: %s declaration for %s filed (ref %s).", args.Regime, args.ProcessRef, res.Ref)
	case intents.ReportArgs:
		return fmt.Sprintf("Done: report %q sent to %s.", args.Report, strings.Join(args.Recipients, ", "))
	}
	return "Done."
}
