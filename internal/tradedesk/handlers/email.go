package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// EmailPreview renders the confirmation preview of a draft.
func EmailPreview(d *drafts.Draft) string {
	return fmt.Sprintf("send e-mail to %s with subject %q: %s", strings.Join(d.To, ", "), d.Subject, d.Body)
}

func contentArgs(args map[string]any) drafts.Content {
	return drafts.Content{
		To:      stringSliceArg(args, "to"),
		Cc:      stringSliceArg(args, "cc"),
		Subject: stringArg(args, "subject"),
		Body:    stringArg(args, "body"),
	}
}

func contentSchema(required ...string) map[string]any {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to":      emailListProp("Recipient addresses."),
			"cc":      emailListProp("Copy addresses."),
			"subject": stringProp("Subject line."),
			"body":    stringProp("Plain-text body."),
		},
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// DraftEmail creates a new e-mail draft without sending it.
type DraftEmail struct{}

func (DraftEmail) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolDraftEmail,
		Description: "Create an e-mail draft the user can review and edit. Does not send anything.",
		Parameters:  contentSchema("to", "subject", "body"),
	}
}

func (DraftEmail) Handle(ctx context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
	d, err := ec.Drafts.Create(ctx, ec.SessionID, contentArgs(args), ec.Actor)
	if err != nil {
		return tools.Error(tools.ErrKindInvalidArguments, "Could not create the draft: "+err.Error()), nil
	}
	if err := ec.Session.SetActiveDraft(ctx, ec.SessionID, d.ID); err != nil {
		return tools.Result{}, err
	}
	return tools.Answered(
		fmt.Sprintf("Draft saved (revision %d). To: %s, subject %q.", d.Revision, strings.Join(d.To, ", "), d.Subject),
		map[string]any{"draft_id": d.ID, "revision": d.Revision},
	), nil
}

// EditDraft writes a new revision of a draft. Pending send intents pointing
// at the draft get their preview refreshed; the intent itself keeps only the
// draft ID so the latest revision is what gets sent.
type EditDraft struct{}

func (EditDraft) Definition() tools.Definition {
	s := contentSchema()
	props := s["properties"].(map[string]any)
	props["draft_id"] = stringProp("Draft to edit. Defaults to the draft currently under discussion.")
	props["expected_revision"] = map[string]any{"type": "integer", "minimum": 1, "description": "Revision the edit is based on."}
	return tools.Definition{
		Name:        ToolEditDraft,
		Description: "Change the recipients, subject or body of an existing e-mail draft.",
		Parameters:  s,
	}
}

func (EditDraft) Handle(ctx context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
	d, res, err := resolveDraft(ctx, args, ec)
	if d == nil {
		return res, err
	}

	next := d.Content
	changes := contentArgs(args)
	if len(changes.To) > 0 {
		next.To = changes.To
	}
	if _, ok := args["cc"]; ok {
		next.Cc = changes.Cc
	}
	if changes.Subject != "" {
		next.Subject = changes.Subject
	}
	if changes.Body != "" {
		next.Body = changes.Body
	}

	updated, err := ec.Drafts.Revise(ctx, d.ID, next, intArg(args, "expected_revision"), ec.Actor)
	switch {
	case errors.Is(err, drafts.ErrAlreadySent):
		return tools.Answered("That e-mail was already sent, so it can no longer be edited.", nil), nil
	case errors.Is(err, drafts.ErrStaleRevision):
		return tools.Answered(fmt.Sprintf("The draft changed in the meantime (now at revision %d). Please review it again.", updated.Revision), nil), nil
	case errors.Is(err, drafts.ErrInProgress):
		return tools.Answered("That e-mail is being sent right now and cannot be edited.", nil), nil
	case err != nil:
		return tools.Error(tools.ErrKindInvalidArguments, "Could not update the draft: "+err.Error()), nil
	}

	if err := refreshEmailPreviews(ctx, ec, updated); err != nil {
		trace.Logger(ctx).Warn("failed to refresh pending e-mail previews", "draft", updated.ID, "err", err)
	}
	_ = ec.Session.SetActiveDraft(ctx, ec.SessionID, updated.ID)

	return tools.Answered(
		fmt.Sprintf("Draft updated (revision %d). Subject %q.", updated.Revision, updated.Subject),
		map[string]any{"draft_id": updated.ID, "revision": updated.Revision},
	), nil
}

func refreshEmailPreviews(ctx context.Context, ec tools.ExecContext, d *drafts.Draft) error {
	pending, err := ec.Intents.ListPending(ctx, ec.SessionID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		args, ok := p.Args.(intents.EmailArgs)
		if !ok || p.Status != intents.StatusPending || args.DraftID != d.ID {
			continue
		}
		if err := ec.Intents.UpdatePreview(ctx, p.ID, EmailPreview(d)); err != nil {
			return err
		}
	}
	return nil
}

// resolveDraft loads the draft named by args or, failing that, the
// session's active draft. When no draft can be found it returns a nil draft
// and the result to hand back.
func resolveDraft(ctx context.Context, args map[string]any, ec tools.ExecContext) (*drafts.Draft, tools.Result, error) {
	id := stringArg(args, "draft_id")
	if id == "" {
		sc, err := ec.Session.Get(ctx, ec.SessionID)
		if err != nil {
			return nil, tools.Result{}, err
		}
		id = sc.ActiveDraftID
	}
	if id == "" {
		return nil, tools.Delegate("No draft is under discussion. Ask the user which e-mail they mean or create one with draft_email."), nil
	}
	d, err := ec.Drafts.GetForSession(ctx, ec.SessionID, id)
	if errors.Is(err, drafts.ErrNotFound) {
		return nil, tools.Answered("I could not find that draft.", nil), nil
	}
	if err != nil {
		return nil, tools.Result{}, err
	}
	return d, tools.Result{}, nil
}

// SendEmail prepares an e-mail for sending. The send itself happens only
// after the user confirms the resulting intent.
type SendEmail struct{}

func (SendEmail) Definition() tools.Definition {
	s := contentSchema()
	props := s["properties"].(map[string]any)
	props["draft_id"] = stringProp("Existing draft to send. Omit to send the draft under discussion or to create one from to/subject/body.")
	return tools.Definition{
		Name:        ToolSendEmail,
		Description: "Send an e-mail. Always asks the user for confirmation first.",
		Parameters:  s,
		SideEffect:  true,
	}
}

func (SendEmail) Handle(ctx context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
	var d *drafts.Draft
	if stringArg(args, "draft_id") == "" && len(stringSliceArg(args, "to")) > 0 {
		created, err := ec.Drafts.Create(ctx, ec.SessionID, contentArgs(args), ec.Actor)
		if err != nil {
			return tools.Error(tools.ErrKindInvalidArguments, "Could not prepare the e-mail: "+err.Error()), nil
		}
		d = created
	} else {
		found, res, err := resolveDraft(ctx, args, ec)
		if found == nil {
			return res, err
		}
		d = found
	}
	if d.Status == drafts.StatusSent {
		return tools.Answered("That e-mail was already sent.", map[string]any{"draft_id": d.ID}), nil
	}
	if err := ec.Session.SetActiveDraft(ctx, ec.SessionID, d.ID); err != nil {
		return tools.Result{}, err
	}

	preview := EmailPreview(d)
	p, err := ec.Intents.Create(ctx, ec.SessionID, intents.EmailArgs{DraftID: d.ID, PreviewRevision: d.Revision}, preview, ec.IntentTTL)
	if err != nil {
		return tools.Result{}, err
	}
	return pendingResult(p), nil
}
