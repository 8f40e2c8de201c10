package types

// ErrorCode aligns failures with their recovery policy: transport errors are
// retried or failed over, contract errors route through on_fail edges,
// configuration errors fail closed, cancellation is surfaced verbatim.
type ErrorCode string

const (
	// ErrTransport covers subprocess non-zero exits, HTTP non-2xx and
	// network failures.
	ErrTransport ErrorCode = "STEP_TRANSPORT"
	// ErrStreamStalled is a transport error raised when an event stream
	// produces no data within the idle timeout.
	ErrStreamStalled ErrorCode = "STEP_STREAM_STALLED"
	// ErrTimeout is a transport error for a call exceeding its wall-clock
	// budget.
	ErrTimeout ErrorCode = "STEP_TIMEOUT"
	// ErrCredentialMissing means no usable credential exists for the HTTP
	// path.
	ErrCredentialMissing ErrorCode = "STEP_CREDENTIAL_MISSING"
	// ErrUnknownOption is a CLI compatibility failure ("unknown option"
	// class); retried once with a reduced flag set.
	ErrUnknownOption ErrorCode = "STEP_UNKNOWN_OPTION"
	// ErrContract covers missing required fields/files and blocking gate
	// failures; never retried automatically.
	ErrContract ErrorCode = "STEP_CONTRACT"
	// ErrConfiguration marks defects in the pipeline definition (malformed
	// regex, unresolvable template, unknown profile id).
	ErrConfiguration ErrorCode = "STEP_CONFIGURATION"
	// ErrCancelled preserves an original cancellation reason end-to-end.
	ErrCancelled ErrorCode = "STEP_CANCELLED"
	// ErrRateLimited carries an upstream retry-after hint.
	ErrRateLimited ErrorCode = "STEP_RATE_LIMITED"
)

// Error is the core failure type. Message states the underlying cause and
// Hint tells the operator what class of problem it is, so a run log is
// self-explanatory without reading source.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Hint      string    `json:"hint,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	// RetryAfterMS is a caller-side backoff hint parsed from a retry-after
	// response header, 0 when absent.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	Cause        error `json:"-"`
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return e.Message + " (" + e.Hint + ")"
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			if ce.Code == code {
				return true
			}
			err = ce.Cause
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
