package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeProtocol   ErrorType = "protocol"
	ErrorTypeDecode     ErrorType = "decode"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// BridgeError is a structured error type with context.
type BridgeError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	Recoverable bool
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison on type and code.
func (e *BridgeError) Is(target error) bool {
	var t *BridgeError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *BridgeError) WithContext(key string, value interface{}) *BridgeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithCause records the underlying error.
func (e *BridgeError) WithCause(cause error) *BridgeError {
	e.Cause = cause

	return e
}

// WithComponent adds component context.
func (e *BridgeError) WithComponent(component string) *BridgeError {
	e.Component = component

	return e
}

// Common error codes.
const (
	ErrCodeConnectFailed    = "ERR_CONNECT_FAILED"
	ErrCodeHandshakeFailed  = "ERR_HANDSHAKE_FAILED"
	ErrCodeStartFailed      = "ERR_START_FAILED"
	ErrCodeEndOfStream      = "ERR_END_OF_STREAM"
	ErrCodeMalformedPacket  = "ERR_MALFORMED_PACKET"
	ErrCodeSendFailed       = "ERR_SEND_FAILED"
	ErrCodeMalformedPayload = "ERR_MALFORMED_PAYLOAD"
	ErrCodeTransportClosed  = "ERR_TRANSPORT_CLOSED"
	ErrCodeListenFailed     = "ERR_LISTEN_FAILED"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeRecipeNotFound   = "ERR_RECIPE_NOT_FOUND"
	ErrCodeRecipeInvalid    = "ERR_RECIPE_INVALID"
	ErrCodeValidationFailed = "ERR_VALIDATION_FAILED"
	ErrCodeInternalError    = "ERR_INTERNAL"
)

// ErrEndOfStream is returned by a controller channel whose peer closed the
// connection. It ends the controller loop cleanly.
var ErrEndOfStream = &BridgeError{
	Type:        ErrorTypeProtocol,
	Code:        ErrCodeEndOfStream,
	Message:     "controller closed the stream",
	Recoverable: true,
}

// ErrTransportClosed is returned when a network peer disconnected.
var ErrTransportClosed = &BridgeError{
	Type:        ErrorTypeTransport,
	Code:        ErrCodeTransportClosed,
	Message:     "transport closed",
	Recoverable: true,
}

// Error creation functions

// NewConnectionError creates a controller connection error. These are fatal.
func NewConnectionError(code, message string, cause error) *BridgeError {
	return &BridgeError{
		Type:        ErrorTypeConnection,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewProtocolError creates a controller protocol error.
func NewProtocolError(code, message string, cause error) *BridgeError {
	return &BridgeError{
		Type:        ErrorTypeProtocol,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewDecodeError creates a session payload decode error.
func NewDecodeError(message string, cause error) *BridgeError {
	return &BridgeError{
		Type:        ErrorTypeDecode,
		Code:        ErrCodeMalformedPayload,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewTransportError creates a network transport error.
func NewTransportError(code, message string, cause error) *BridgeError {
	return &BridgeError{
		Type:        ErrorTypeTransport,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: code == ErrCodeTransportClosed,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *BridgeError {
	return &BridgeError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *BridgeError {
	return &BridgeError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *BridgeError {
	return &BridgeError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// Error classification

func hasType(err error, typ ErrorType) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Type == typ
	}

	return false
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Recoverable
	}

	return false
}

// IsConnectionError reports whether err is a controller connection failure.
func IsConnectionError(err error) bool {
	return hasType(err, ErrorTypeConnection)
}

// IsProtocolError reports whether err is a controller protocol failure.
func IsProtocolError(err error) bool {
	return hasType(err, ErrorTypeProtocol)
}

// IsEndOfStream reports whether err signals a closed controller stream.
func IsEndOfStream(err error) bool {
	return errors.Is(err, ErrEndOfStream)
}

// IsDecodeError reports whether err is a malformed client payload.
func IsDecodeError(err error) bool {
	return hasType(err, ErrorTypeDecode)
}

// IsTransportClosed reports whether err signals a disconnected peer.
func IsTransportClosed(err error) bool {
	return errors.Is(err, ErrTransportClosed)
}

// Handler provides centralized error handling.
type Handler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Info(ctx context.Context, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
	Error(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewHandler creates a new error handler.
func NewHandler(logger Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle logs err at the level its category calls for. Nothing is retried.
func (h *Handler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var be *BridgeError
	if !errors.As(err, &be) {
		h.logger.Error(ctx, err, "Unhandled error occurred")
		return
	}

	fields := []interface{}{"type", be.Type, "code", be.Code}
	if be.Component != "" {
		fields = append(fields, "component", be.Component)
	}
	for k, v := range be.Context {
		fields = append(fields, k, v)
	}

	switch {
	case be.Type == ErrorTypeTransport && be.Recoverable:
		h.logger.Info(ctx, be.Error(), fields...)
	case be.Type == ErrorTypeDecode, be.Type == ErrorTypeValidation:
		h.logger.Warn(ctx, err, "Rejected input", fields...)
	case IsEndOfStream(be):
		h.logger.Info(ctx, "Controller stream ended", fields...)
	default:
		h.logger.Error(ctx, err, "Error occurred", fields...)
	}
}

// ValidationError interface for field-specific validation errors.
type ValidationError interface {
	error
	Field() string
	Value() interface{}
}

// FieldValidationError implements ValidationError for specific field errors.
type FieldValidationError struct {
	FieldName    string
	FieldValue   interface{}
	ErrorMessage string
}

// Error implements the error interface.
func (fve *FieldValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", fve.FieldName, fve.ErrorMessage)
}

// Field returns the field name that failed validation.
func (fve *FieldValidationError) Field() string {
	return fve.FieldName
}

// Value returns the invalid value.
func (fve *FieldValidationError) Value() interface{} {
	return fve.FieldValue
}

// NewFieldValidationError creates a new field validation error.
func NewFieldValidationError(field string, value interface{}, message string) *FieldValidationError {
	return &FieldValidationError{
		FieldName:    field,
		FieldValue:   value,
		ErrorMessage: message,
	}
}

// ValidationErrorCollection represents a collection of validation errors.
type ValidationErrorCollection struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (vec *ValidationErrorCollection) Error() string {
	if len(vec.Errors) == 0 {
		return "no validation errors"
	}
	if len(vec.Errors) == 1 {
		return vec.Errors[0].Error()
	}

	return fmt.Sprintf("validation failed with %d errors", len(vec.Errors))
}

// AddField adds a field validation error to the collection.
func (vec *ValidationErrorCollection) AddField(field string, value interface{}, message string) {
	vec.Errors = append(vec.Errors, NewFieldValidationError(field, value, message))
}

// HasErrors returns true if there are any validation errors.
func (vec *ValidationErrorCollection) HasErrors() bool {
	return len(vec.Errors) > 0
}

// ToBridgeError converts the collection into a config error, or nil when empty.
func (vec *ValidationErrorCollection) ToBridgeError() *BridgeError {
	if !vec.HasErrors() {
		return nil
	}

	messages := make([]string, 0, len(vec.Errors))
	ctx := make(map[string]interface{}, len(vec.Errors))
	for _, err := range vec.Errors {
		messages = append(messages, err.Error())
		ctx[err.Field()] = err.Value()
	}

	return &BridgeError{
		Type:        ErrorTypeConfig,
		Code:        ErrCodeValidationFailed,
		Message:     strings.Join(messages, "; "),
		Context:     ctx,
		Recoverable: false,
	}
}
