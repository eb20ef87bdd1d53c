package common

import "errors"

// Kind enumerates the failure taxonomy surfaced upward from C1, per the
// router's error-handling design: each exchange adapter wraps its raw
// HTTP/WS error into one of these sentinels so the dispatcher and
// reconciler can apply the right recovery policy with errors.Is.
type Kind int

const (
	KindUnknown Kind = iota
	KindRejected
	KindThrottled
	KindTransientNetwork
	KindAuthError
	KindNotFound
	KindConflict
	KindUnknownTerminal
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "Rejected"
	case KindThrottled:
		return "Throttled"
	case KindTransientNetwork:
		return "TransientNetwork"
	case KindAuthError:
		return "AuthError"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindUnknownTerminal:
		return "UnknownTerminal"
	default:
		return "Unknown"
	}
}

// Error wraps an adapter-level failure with its taxonomy Kind and the
// raw exchange error text, if any.
type Error struct {
	Kind    Kind
	Venue   Variant
	Message string
	Cause   error
}

func (e *Error) Error() string {
	prefix := string(e.Venue) + " " + e.Kind.String() + ": " + e.Message
	if e.Cause != nil {
		return prefix + ": " + e.Cause.Error()
	}
	return prefix
}

func (e *Error) Unwrap() error { return e.Cause }

// sentinels for errors.Is comparisons against Kind-only checks.
var (
	ErrRejected         = &Error{Kind: KindRejected}
	ErrThrottled        = &Error{Kind: KindThrottled}
	ErrTransientNetwork = &Error{Kind: KindTransientNetwork}
	ErrAuthError        = &Error{Kind: KindAuthError}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrUnknownTerminal  = &Error{Kind: KindUnknownTerminal}
)

// Is implements errors.Is by Kind, ignoring Venue/Message/Cause so callers
// can do `errors.Is(err, common.ErrThrottled)` regardless of which venue
// produced it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err, or KindUnknown if err isn't one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
