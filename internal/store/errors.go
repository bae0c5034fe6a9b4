package store

import "errors"

// Kind classifies why a Store operation failed, so callers can decide
// whether to retry, surface, or poison the owning document.
type Kind int

const (
	// KindNotFound means the key does not exist. Get/Exists map this to
	// (nil, nil) and (false, nil) respectively rather than returning it,
	// but backends construct it internally.
	KindNotFound Kind = iota
	// KindTransient means the failure is likely to succeed on retry:
	// network errors, rate limiting, 5xx responses, timeouts.
	KindTransient
	// KindPermanent means retrying will not help: auth failures, a
	// missing bucket, 4xx responses other than 404.
	KindPermanent
	// KindCorrupt means the backend responded but the response could not
	// be interpreted (malformed body, unexpected content).
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Error is the error type every Store implementation returns. Kind lets
// callers branch with errors.As without depending on a specific backend.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + " " + e.Key + ": " + e.Kind.String()
	}
	return e.Op + " " + e.Key + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is a sentinel for callers that only want the common case
// ("does this exist") without inspecting a *Error.
var ErrNotFound = errors.New("store: not found")

// IsTransient reports whether err (or anything it wraps) is a *Error of
// KindTransient.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}

// IsPermanent reports whether err (or anything it wraps) is a *Error of
// KindPermanent.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindPermanent
}
