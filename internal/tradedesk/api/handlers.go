package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bdobrica/tradedesk/common/version"
	"github.com/bdobrica/tradedesk/internal/tradedesk/app"
	"github.com/bdobrica/tradedesk/internal/tradedesk/confirm"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/handlers"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Commit        string    `json:"commit"`
	BuildTime     string    `json:"build_time"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSecs    float64   `json:"uptime_seconds"`
	SchemaVersion int       `json:"schema_version"`
	OutboxPending int       `json:"outbox_pending"`
	// MatrixLastSync is set when the Matrix transport is enabled.
	MatrixLastSync *time.Time `json:"matrix_last_sync,omitempty"`
}

type intentView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Preview   string    `json:"preview"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ResultRef string    `json:"result_ref,omitempty"`
}

func viewIntent(p *intents.PendingIntent) intentView {
	return intentView{
		ID:        p.ID,
		Type:      string(p.Type),
		Preview:   p.PreviewText,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
		ResultRef: p.ResultRef,
	}
}

type outcomeView struct {
	Kind    string       `json:"kind"`
	Text    string       `json:"text"`
	Intents []intentView `json:"intents,omitempty"`
}

func viewOutcome(o *confirm.Outcome) outcomeView {
	v := outcomeView{Kind: string(o.Kind), Text: o.Text}
	for _, p := range o.Intents {
		v.Intents = append(v.Intents, viewIntent(p))
	}
	return v
}

type revisionView struct {
	Revision  int       `json:"revision"`
	Subject   string    `json:"subject"`
	EditedBy  string    `json:"edited_by"`
	CreatedAt time.Time `json:"created_at"`
}

type draftView struct {
	ID          string         `json:"id"`
	Revision    int            `json:"revision"`
	Status      string         `json:"status"`
	To          []string       `json:"to"`
	Cc          []string       `json:"cc,omitempty"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	DeliveryRef string         `json:"delivery_ref,omitempty"`
	Revisions   []revisionView `json:"revisions,omitempty"`
}

type auditView struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	TraceID   string    `json:"trace_id"`
	SessionID string    `json:"session_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, healthResponse{Status: "ok", Version: version.Version, Commit: version.GitCommit})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}
	if err := s.app.Store().Ping(r.Context()); err != nil {
		resp.Status = "degraded"
	}
	if v, err := s.app.Store().SchemaVersion(r.Context()); err == nil {
		resp.SchemaVersion = v
	}
	if pending, err := s.app.Outbox().Pending(r.Context(), 1000); err == nil {
		resp.OutboxPending = len(pending)
	}
	if last, ok := s.app.MatrixLastSync(r.Context()); ok {
		resp.MatrixLastSync = &last
	}
	JSON(w, http.StatusOK, resp)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var turn app.Turn
	if err := decode(w, r, &turn); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if turn.SessionID == "" || turn.Message == "" {
		Error(w, http.StatusBadRequest, "session_id and message are required")
		return
	}
	turn.Source = "api"
	reply, err := s.app.HandleTurn(r.Context(), turn)
	if err != nil {
		internalError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Intents().ListPending(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		internalError(w, r, err)
		return
	}
	out := make([]intentView, 0, len(list))
	for _, p := range list {
		if p.Status == intents.StatusPending {
			out = append(out, viewIntent(p))
		}
	}
	JSON(w, http.StatusOK, out)
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleConfirmIntent(w http.ResponseWriter, r *http.Request) {
	s.resolveIntent(w, r, s.app.Confirm().ConfirmByID)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	s.resolveIntent(w, r, s.app.Confirm().CancelByID)
}

func (s *Server) resolveIntent(w http.ResponseWriter, r *http.Request, do func(ctx context.Context, sessionID, id string) (*confirm.Outcome, error)) {
	var req sessionRequest
	if err := decode(w, r, &req); err != nil || req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	out, err := do(r.Context(), req.SessionID, chi.URLParam(r, "intentID"))
	if errors.Is(err, intents.ErrNotFound) {
		Error(w, http.StatusNotFound, "intent not found")
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	status := http.StatusOK
	switch out.Kind {
	case confirm.OutcomeExpired:
		status = http.StatusGone
	case confirm.OutcomeInProgress:
		status = http.StatusConflict
	case confirm.OutcomeFailed:
		status = http.StatusBadGateway
	}
	JSON(w, status, viewOutcome(out))
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	d, err := s.app.Drafts().GetForSession(r.Context(), sessionID, chi.URLParam(r, "draftID"))
	if errors.Is(err, drafts.ErrNotFound) {
		Error(w, http.StatusNotFound, "draft not found")
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	view := viewDraft(d)
	revs, err := s.app.Drafts().Revisions(r.Context(), d.ID)
	if err != nil {
		internalError(w, r, err)
		return
	}
	for _, rev := range revs {
		view.Revisions = append(view.Revisions, revisionView{
			Revision: rev.Revision, Subject: rev.Subject, EditedBy: rev.EditedBy, CreatedAt: rev.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, view)
}

func viewDraft(d *drafts.Draft) draftView {
	return draftView{
		ID:          d.ID,
		Revision:    d.Revision,
		Status:      string(d.Status),
		To:          d.To,
		Cc:          d.Cc,
		Subject:     d.Subject,
		Body:        d.Body,
		DeliveryRef: d.DeliveryRef,
	}
}

type draftPatch struct {
	SessionID        string   `json:"session_id"`
	Actor            string   `json:"actor"`
	ExpectedRevision int      `json:"expected_revision"`
	To               []string `json:"to,omitempty"`
	Cc               []string `json:"cc,omitempty"`
	Subject          string   `json:"subject,omitempty"`
	Body             string   `json:"body,omitempty"`
}

// handlePatchDraft edits a draft through the edit_draft tool so pending
// previews are refreshed the same way as a conversational edit.
func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request) {
	var p draftPatch
	if err := decode(w, r, &p); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if p.SessionID == "" || p.ExpectedRevision < 1 {
		Error(w, http.StatusBadRequest, "session_id and expected_revision are required")
		return
	}
	id := chi.URLParam(r, "draftID")
	ctx := r.Context()

	d, err := s.app.Drafts().GetForSession(ctx, p.SessionID, id)
	if errors.Is(err, drafts.ErrNotFound) {
		Error(w, http.StatusNotFound, "draft not found")
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	if d.Status == drafts.StatusSent {
		Error(w, http.StatusConflict, drafts.ErrAlreadySent.Error())
		return
	}
	if d.Revision != p.ExpectedRevision {
		Error(w, http.StatusConflict, drafts.ErrStaleRevision.Error()+": now at revision "+strconv.Itoa(d.Revision))
		return
	}

	args := map[string]any{"draft_id": id, "expected_revision": p.ExpectedRevision}
	if len(p.To) > 0 {
		args["to"] = p.To
	}
	if p.Cc != nil {
		args["cc"] = p.Cc
	}
	if p.Subject != "" {
		args["subject"] = p.Subject
	}
	if p.Body != "" {
		args["body"] = p.Body
	}
	res := s.app.ExecuteTool(ctx, p.SessionID, p.Actor, handlers.ToolEditDraft, args)
	switch {
	case res.Kind == tools.KindError && res.ErrorKind == tools.ErrKindInvalidArguments:
		Error(w, http.StatusBadRequest, res.Text)
		return
	case res.Kind == tools.KindError:
		Error(w, http.StatusForbidden, res.Text)
		return
	case res.Data == nil:
		// The edit lost a race with another writer or a send.
		Error(w, http.StatusConflict, res.Text)
		return
	}

	updated, err := s.app.Drafts().Get(ctx, id)
	if err != nil {
		internalError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewDraft(updated))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		entries []*store.AuditEntry
		err     error
	)
	switch {
	case r.URL.Query().Get("trace") != "":
		entries, err = s.app.Store().GetAuditByTrace(ctx, r.URL.Query().Get("trace"))
	case r.URL.Query().Get("target") != "":
		entries, err = s.app.Store().GetAuditByTarget(ctx, r.URL.Query().Get("target"))
	default:
		limit := 50
		if n, perr := strconv.Atoi(r.URL.Query().Get("limit")); perr == nil && n > 0 && n <= 500 {
			limit = n
		}
		entries, err = s.app.Store().GetAuditLog(ctx, limit)
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			TraceID:   e.TraceID,
			SessionID: e.SessionID,
			Actor:     e.Actor,
			Action:    e.Action,
			Target:    e.Target.String,
			Result:    e.Result,
			Error:     e.ErrorMessage.String,
		})
	}
	JSON(w, http.StatusOK, out)
}
