package relay

import (
	"errors"
	"fmt"
)

// Kind classifies relay errors so call sites can decide between retry, drop,
// and teardown deliberately instead of blanket-handling.
type Kind int

const (
	// KindTransport is a socket failure on either leg. Tears down the call.
	KindTransport Kind = iota

	// KindCodec is a malformed or corrupted audio frame. Drop the frame,
	// keep the call.
	KindCodec

	// KindAISession is a live-session failure (error envelope, unexpected
	// close, connect timeout). Handled by the fallback policy.
	KindAISession

	// KindContext is a caller-context lookup failure. The call proceeds
	// with an empty context.
	KindContext

	// KindInvariant is a programming-invariant violation, e.g. a media
	// frame for an unknown stream id. Logged and dropped.
	KindInvariant
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCodec:
		return "codec"
	case KindAISession:
		return "ai_session"
	case KindContext:
		return "context"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// kindError attaches a Kind to a wrapped error.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// WithKind wraps err with the given classification.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf extracts the classification from err. Unclassified errors default
// to KindTransport, the conservative teardown path.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindTransport
}
