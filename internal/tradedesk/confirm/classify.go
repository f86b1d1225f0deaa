package confirm

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/policy"
)

// Kind is what a message asks for with respect to pending intents.
type Kind string

const (
	KindNone    Kind = "none"
	KindConfirm Kind = "confirm"
	KindCancel  Kind = "cancel"
	// KindSelect is a bare selector ("2", "the e-mail"). It only means
	// something while the user owes a selection.
	KindSelect Kind = "select"
)

// Selector narrows which pending intent a reply refers to.
type Selector struct {
	// Index is 1-based into the list shown to the user.
	Index int
	Type  intents.Type
	// IDPrefix matches the start of an intent ID.
	IDPrefix string
	All      bool
}

// Empty reports whether no selector was given.
func (s Selector) Empty() bool {
	return s.Index == 0 && s.Type == "" && s.IDPrefix == "" && !s.All
}

// Classification is the result of Classify.
type Classification struct {
	Kind     Kind
	Selector Selector
}

var typeAliases = map[string]intents.Type{
	"send_email":         intents.TypeSendEmail,
	"email":              intents.TypeSendEmail,
	"e-mail":             intents.TypeSendEmail,
	"mail":               intents.TypeSendEmail,
	"create_declaration": intents.TypeCreateDeclaration,
	"declaration":        intents.TypeCreateDeclaration,
	"declaracao":         intents.TypeCreateDeclaration,
	"declaração":         intents.TypeCreateDeclaration,
	"send_report":        intents.TypeSendReport,
	"report":             intents.TypeSendReport,
	"relatorio":          intents.TypeSendReport,
	"relatório":          intents.TypeSendReport,
}

var allWords = map[string]bool{"all": true, "both": true, "todos": true, "todas": true, "tudo": true, "ambos": true}

var filler = map[string]bool{
	"the": true, "one": true, "option": true, "number": true,
	"please": true, "pls": true, "it": true, "that": true, "this": true,
	"o": true, "a": true, "opcao": true, "opção": true, "numero": true, "número": true,
	"por": true, "favor": true,
}

// Classify decides whether text confirms, cancels, selects or is unrelated.
// Only short replies count: the whole message must be a confirmation word
// or phrase, optionally followed by a selector. Anything longer is left to
// the rest of the pipeline.
func Classify(text string, words policy.WordLists) Classification {
	norm := normalize(text)
	if norm == "" {
		return Classification{Kind: KindNone}
	}

	if rest, ok := stripPhrase(norm, words.Negative); ok {
		if sel, ok := parseSelector(rest); ok {
			return Classification{Kind: KindCancel, Selector: sel}
		}
	}
	if rest, ok := stripPhrase(norm, words.Affirmative); ok {
		if sel, ok := parseSelector(rest); ok {
			return Classification{Kind: KindConfirm, Selector: sel}
		}
	}
	if sel, ok := parseSelector(norm); ok && !sel.Empty() {
		return Classification{Kind: KindSelect, Selector: sel}
	}
	return Classification{Kind: KindNone}
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':', '"', '(', ')':
			return ' '
		}
		if unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// stripPhrase removes leading phrases from words, longest first, as long
// as any matches ("sim, pode enviar" strips both).
func stripPhrase(text string, words []string) (string, bool) {
	rest, ok := stripOne(text, words)
	if !ok {
		return "", false
	}
	for rest != "" {
		next, more := stripOne(rest, words)
		if !more {
			break
		}
		rest = next
	}
	return rest, true
}

func stripOne(text string, words []string) (string, bool) {
	sorted := make([]string, 0, len(words))
	for _, w := range words {
		if w = normalize(w); w != "" {
			sorted = append(sorted, w)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	for _, w := range sorted {
		if text == w {
			return "", true
		}
		if strings.HasPrefix(text, w+" ") {
			return strings.TrimSpace(text[len(w):]), true
		}
	}
	return "", false
}

// parseSelector accepts an empty string (no selector) or a single selector
// surrounded by filler words.
func parseSelector(text string) (Selector, bool) {
	var sel Selector
	var found bool
	for _, tok := range strings.Fields(text) {
		tok = strings.TrimPrefix(tok, "#")
		if tok == "" || filler[tok] {
			continue
		}
		if found {
			return Selector{}, false
		}
		switch {
		case allWords[tok]:
			sel.All = true
		case isNumber(tok):
			n, err := strconv.Atoi(tok)
			if err != nil || n < 1 {
				return Selector{}, false
			}
			sel.Index = n
		case typeAliases[tok] != "":
			sel.Type = typeAliases[tok]
		case looksLikeID(tok):
			sel.IDPrefix = tok
		default:
			return Selector{}, false
		}
		found = true
	}
	return sel, true
}

func isNumber(s string) bool {
	if len(s) == 0 || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func looksLikeID(s string) bool {
	if len(s) < 6 {
		return false
	}
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'a' && r <= 'f', r == '-':
		default:
			return false
		}
	}
	return digits > 0
}

// pick returns the candidates sel refers to, in list order.
func pick(list []*intents.PendingIntent, sel Selector) []*intents.PendingIntent {
	if sel.Empty() || sel.All {
		return list
	}
	var out []*intents.PendingIntent
	for i, p := range list {
		switch {
		case sel.Index > 0:
			if sel.Index == i+1 {
				out = append(out, p)
			}
		case sel.Type != "":
			if p.Type == sel.Type {
				out = append(out, p)
			}
		case sel.IDPrefix != "":
			if strings.HasPrefix(p.ID, sel.IDPrefix) {
				out = append(out, p)
			}
		}
	}
	return out
}
