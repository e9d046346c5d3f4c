// Package errs provides structured error types and helpers for wallet-hub services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category within the event-distribution core.
type Code string

const (
	// CodeMalformedEnvelope indicates a wire envelope violating the CloudEvents contract.
	CodeMalformedEnvelope Code = "malformed_envelope"
	// CodeNoBinding indicates an event type with no registered broker destination.
	CodeNoBinding Code = "no_binding"
	// CodeBroker indicates a broker publish or receive failure.
	CodeBroker Code = "broker"
	// CodeStorage indicates a persistence-layer failure.
	CodeStorage Code = "storage"
	// CodeInvalidTransition indicates a saga event not permitted from the current state.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeConcurrentTransition indicates optimistic-lock exhaustion on a saga snapshot.
	CodeConcurrentTransition Code = "concurrent_transition"
	// CodeUnknownSaga indicates an event arriving for a saga that was never started.
	CodeUnknownSaga Code = "unknown_saga"
	// CodeCodec indicates a payload encode/decode failure.
	CodeCodec Code = "codec"
)

// Sentinel errors surfaced across package boundaries. Everything else stays
// local to the component that produced it.
var (
	// ErrMalformedEnvelope reports bytes that do not decode to a CloudEvents v1.0 envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrNoBinding reports an event type absent from the destination binding table.
	ErrNoBinding = errors.New("no destination binding for event type")
	// ErrInvalidTransition reports a saga event not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid saga transition")
	// ErrConcurrentTransition reports optimistic-retry exhaustion on a saga snapshot.
	ErrConcurrentTransition = errors.New("concurrent saga transition")
	// ErrUnknownSaga reports a non-initial event for a correlation id with no snapshot.
	ErrUnknownSaga = errors.New("unknown saga")
)

// E captures structured error information produced across the wallet-hub core.
type E struct {
	Component string
	Code      Code
	Message   string
	Retryable bool
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Retryable: false,
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRetryable marks the failure as transient; callers may schedule a retry.
func WithRetryable() Option {
	return func(e *E) {
		e.Retryable = true
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Retryable {
		parts = append(parts, "retryable=true")
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsRetryable reports whether err (or any error it wraps) is a transient *E.
func IsRetryable(err error) bool {
	var structured *E
	if errors.As(err, &structured) {
		return structured.Retryable
	}
	return false
}
