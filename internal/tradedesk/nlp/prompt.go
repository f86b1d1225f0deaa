package nlp

import (
	"fmt"
	"strings"
	"time"
)

// PromptContext is the per-turn state shown to the model. It carries
// references and previews only, never recipient lists in full or raw
// declaration payloads.
type PromptContext struct {
	Now       time.Time
	EntityRef string
	Category  string
	// ActiveDraft is a one-line summary of the draft under discussion.
	ActiveDraft string
	// Pending holds the previews of actions awaiting confirmation.
	Pending []string
}

const basePrompt = `You are the back-office assistant of an import/export desk.
You answer questions about shipments, customs processes and tariffs, and you
prepare e-mails, customs declarations and reports.

Rules:
- Use the tools for facts. Never quote a tariff rate, a process status or a
  date from memory.
- Actions that send or file something are never executed by you. Calling
  send_email, create_declaration or send_report only prepares the action; the
  user confirms it separately.
- To change a prepared e-mail, call edit_draft. Never draft a new e-mail to
  apply an edit.
- Reply in the language the user writes in. Be brief.`

// BuildSystemPrompt renders the system message for one turn.
func BuildSystemPrompt(pc PromptContext) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nCurrent state:\n")
	if !pc.Now.IsZero() {
		fmt.Fprintf(&b, "- Date: %s\n", pc.Now.UTC().Format("2006-01-02"))
	}
	if pc.EntityRef != "" {
		fmt.Fprintf(&b, "- Process under discussion: %s\n", pc.EntityRef)
	}
	if pc.Category != "" {
		fmt.Fprintf(&b, "- Topic: %s\n", pc.Category)
	}
	if pc.ActiveDraft != "" {
		fmt.Fprintf(&b, "- Draft under discussion: %s\n", pc.ActiveDraft)
	}
	if len(pc.Pending) == 0 {
		b.WriteString("- Nothing is awaiting confirmation.\n")
	} else {
		b.WriteString("- Awaiting the user's confirmation:\n")
		for _, p := range pc.Pending {
			fmt.Fprintf(&b, "  * %s\n", p)
		}
	}
	return b.String()
}
