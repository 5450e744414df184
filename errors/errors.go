package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// EngineError is the interface for all structured errors in reverie.
// It extends the standard error interface with the context the controller
// needs to decide between degrading a context section and aborting the turn.
type EngineError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of EngineError.
type Error struct {
	code           ErrorCode
	category       ErrorCategory
	message        string
	cause          error
	metadata       map[string]string
	retryable      *bool // nil means use default based on category
	timestamp      time.Time
	conversationID string // related conversation, if applicable
	component      string // originating subsystem, if applicable
}

// Ensure Error implements EngineError and json.Marshaler/Unmarshaler.
var (
	_ EngineError      = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	// Return a copy to prevent modification
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// ConversationID returns the related conversation ID, if set.
func (e *Error) ConversationID() string {
	return e.conversationID
}

// Component returns the originating subsystem, if set.
func (e *Error) Component() string {
	return e.component
}

// errorJSON is the JSON representation of an Error.
type errorJSON struct {
	Code           ErrorCode         `json:"code"`
	Category       ErrorCategory     `json:"category"`
	Message        string            `json:"message"`
	Cause          string            `json:"cause,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Retryable      bool              `json:"retryable"`
	Timestamp      string            `json:"timestamp,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Component      string            `json:"component,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:           e.code,
		Category:       e.category,
		Message:        e.message,
		Metadata:       e.metadata,
		Retryable:      e.Retryable(),
		ConversationID: e.conversationID,
		Component:      e.component,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.conversationID = j.ConversationID
	e.component = j.Component
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithConversation sets the related conversation ID.
func WithConversation(id string) Option {
	return func(e *Error) {
		e.conversationID = id
	}
}

// WithComponent sets the originating subsystem.
func WithComponent(name string) Option {
	return func(e *Error) {
		e.component = name
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidArgument, message, opts...)
}

// UpstreamTransient creates a transient upstream failure error.
func UpstreamTransient(message string, opts ...Option) *Error {
	return New(ErrCodeUpstreamTransient, message, opts...)
}

// UpstreamMalformed creates a malformed upstream response error.
func UpstreamMalformed(message string, opts ...Option) *Error {
	return New(ErrCodeUpstreamMalformed, message, opts...)
}

// BudgetExceeded creates a budget invariant violation error. Unreachable by
// construction given the assembler's greedy packing; treated as a programming
// error, never a user-facing one.
func BudgetExceeded(message string, opts ...Option) *Error {
	return New(ErrCodeBudgetExceeded, message, opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
