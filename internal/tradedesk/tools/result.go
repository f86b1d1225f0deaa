package tools

// Kind classifies a Result.
type Kind string

const (
	KindAnswered            Kind = "answered"
	KindPendingConfirmation Kind = "pending_confirmation"
	KindExecuted            Kind = "executed"
	KindError               Kind = "error"
	// KindFallback means the service produced no outcome itself; FallbackTo
	// says who must handle the call instead.
	KindFallback Kind = "fallback"
)

// Fallback names the dispatch path a caller must take next.
type Fallback string

const (
	FallbackNone Fallback = "NONE"
	// FallbackLegacyRouter: no consolidated handler is registered for the
	// tool. The legacy command router owns it.
	FallbackLegacyRouter Fallback = "LEGACY_ROUTER"
	// FallbackCoreDelegate: a registered handler chose to hand the request
	// back to the reasoning loop.
	FallbackCoreDelegate Fallback = "CORE_DELEGATE"
)

// ErrorKind classifies KindError results.
type ErrorKind string

const (
	ErrKindNotFound         ErrorKind = "not_found"
	ErrKindInvalidArguments ErrorKind = "invalid_arguments"
	ErrKindPolicyDenied     ErrorKind = "policy_denied"
	ErrKindExecution        ErrorKind = "execution_failed"
)

// Result is the outcome of Service.Execute. FallbackTo is always set.
type Result struct {
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text,omitempty"`
	IntentID   string    `json:"intent_id,omitempty"`
	IntentType string    `json:"intent_type,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	ResultRef  string    `json:"result_ref,omitempty"`
	Data       any       `json:"data,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	FallbackTo Fallback  `json:"fallback_to"`
	Tool       string    `json:"tool,omitempty"`
	HandlerID  HandlerID `json:"handler_id,omitempty"`
}

// Answered is a plain answer, optionally with structured data.
func Answered(text string, data any) Result {
	return Result{Kind: KindAnswered, Text: text, Data: data, FallbackTo: FallbackNone}
}

// PendingConfirmation reports a freshly created pending intent.
func PendingConfirmation(intentID, intentType, preview string) Result {
	return Result{
		Kind:       KindPendingConfirmation,
		IntentID:   intentID,
		IntentType: intentType,
		Preview:    preview,
		FallbackTo: FallbackNone,
	}
}

// Executed reports a completed side effect.
func Executed(text, ref string) Result {
	return Result{Kind: KindExecuted, Text: text, ResultRef: ref, FallbackTo: FallbackNone}
}

// Error is a failed call.
func Error(kind ErrorKind, msg string) Result {
	return Result{Kind: KindError, ErrorKind: kind, Text: msg, FallbackTo: FallbackNone}
}

// Delegate hands the request back to the reasoning loop with a note for the
// model.
func Delegate(note string) Result {
	return Result{Kind: KindFallback, Text: note, FallbackTo: FallbackCoreDelegate}
}

func legacy(tool string, id HandlerID) Result {
	return Result{Kind: KindFallback, Tool: tool, HandlerID: id, FallbackTo: FallbackLegacyRouter}
}
