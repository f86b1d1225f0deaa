package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/tradedesk/internal/tradedesk/matrix"
)

// MatrixLastSync reports when the Matrix transport last advanced its sync
// position. ok is false when the transport is disabled.
func (a *App) MatrixLastSync(ctx context.Context) (last time.Time, ok bool) {
	if a.matrix == nil {
		return time.Time{}, false
	}
	last, err := matrix.NewDBSyncStore(a.store.DB()).LastSync(ctx)
	if err != nil {
		slog.Warn("failed to read matrix sync state", "err", err)
	}
	return last, true
}

// handleMatrixMessage runs a turn for a room message. The room is the session.
func (a *App) handleMatrixMessage(ctx context.Context, msg matrix.Incoming) {
	if err := a.matrix.SetTyping(ctx, msg.RoomID, true, 30*time.Second); err != nil {
		slog.Debug("typing indicator failed", "room", msg.RoomID, "err", err)
	}
	defer a.matrix.SetTyping(context.WithoutCancel(ctx), msg.RoomID, false, 0)

	reply, err := a.HandleTurn(ctx, Turn{
		SessionID: msg.RoomID,
		Sender:    msg.Sender,
		Message:   msg.Body,
		Source:    "matrix",
	})
	if err != nil {
		if err := a.matrix.ReplyToMessage(ctx, msg.RoomID, msg.EventID, MsgUnexpected); err != nil {
			slog.Error("failed to send error reply", "room", msg.RoomID, "err", err)
		}
		return
	}
	if reply.Text == "" {
		return
	}
	if err := a.matrix.SendFormattedMessage(ctx, msg.RoomID, markdownToHTML(reply.Text), reply.Text); err != nil {
		slog.Error("failed to send response", "room", msg.RoomID, "err", err)
	}
}

// markdownToHTML converts the small Markdown subset used in replies into
// HTML for an org.matrix.custom.html body.
//
// Supported constructs (in order of processing):
//   - Fenced code blocks  ```…```  → <pre><code>…</code></pre>
//   - Inline code  `…`             → <code>…</code>
//   - Bold  **…**                  → <strong>…</strong>
//   - Newlines                     → <br/>
//
// Text outside code is HTML-escaped first; previews carry user content.
func markdownToHTML(md string) string {
	esc := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	var out strings.Builder
	inCode := false
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(line, "```") {
			if inCode {
				out.WriteString("</code></pre>")
			} else {
				out.WriteString("<pre><code>")
			}
			inCode = !inCode
			continue
		}
		out.WriteString(esc.Replace(line))
		out.WriteString("\n")
	}
	result := out.String()
	result = replaceDelimited(result, "`", "<code>", "</code>")
	result = replaceDelimited(result, "**", "<strong>", "</strong>")
	result = strings.TrimSuffix(result, "\n")
	return strings.ReplaceAll(result, "\n", "<br/>")
}

// replaceDelimited replaces delim…delim pairs with open+content+close.
// An unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim)
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
