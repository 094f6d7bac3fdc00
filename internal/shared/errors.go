package shared

import (
	"errors"
	"net/http"
)

// Code identifies a failure class that callers and HTTP clients can branch on.
type Code string

const (
	CodeTenantUnresolved           Code = "TENANT_UNRESOLVED"
	CodeActorUnresolved            Code = "ACTOR_UNRESOLVED"
	CodeValidation                 Code = "VALIDATION_ERROR"
	CodeCycleCountNotFound         Code = "CYCLE_COUNT_NOT_FOUND"
	CodeCycleCountLineNotFound     Code = "CYCLE_COUNT_LINE_NOT_FOUND"
	CodeCycleCountLocked           Code = "CYCLE_COUNT_LOCKED"
	CodeCycleCountEmpty            Code = "CYCLE_COUNT_EMPTY"
	CodeDuplicateLineKey           Code = "DUPLICATE_LINE_KEY"
	CodeLineKeysImmutable          Code = "LINE_KEYS_IMMUTABLE"
	CodeLineKeysRequired           Code = "LINE_KEYS_REQUIRED"
	CodeCountedQtyInvalid          Code = "COUNTED_QTY_INVALID"
	CodeStateConflict              Code = "STATE_CONFLICT"
	CodeFreezeSnapshotMissing      Code = "FREEZE_SNAPSHOT_MISSING"
	CodeFreezeSnapshotLineMismatch Code = "FREEZE_SNAPSHOT_LINE_MISMATCH"
	CodeFreezeSnapshotUnknownLine  Code = "FREEZE_SNAPSHOT_UNKNOWN_LINE"
	CodeSnapshotMismatch           Code = "SNAPSHOT_MISMATCH"
	CodePostInvalidState           Code = "POST_INVALID_STATE"
	CodePostAlreadyCompleted       Code = "POST_ALREADY_COMPLETED"
	CodePostIdempotencyCollision   Code = "POST_IDEMPOTENCY_COLLISION"
	CodePostLockRequired           Code = "POST_LOCK_REQUIRED"
	CodeLedgerDerivationFailed     Code = "LEDGER_DERIVATION_FAILED"
	CodeLedgerCursorInvalid        Code = "LEDGER_CURSOR_INVALID"
	CodeLedgerCursorRequired       Code = "LEDGER_CURSOR_REQUIRED"
	CodeLedgerEventInvalid         Code = "LEDGER_EVENT_INVALID"
	CodeLedgerAppendFailed         Code = "LEDGER_APPEND_FAILED"
	CodeIdempotencyReplay          Code = "IDEMPOTENCY_REPLAY"
	CodeInternal                   Code = "INTERNAL_ERROR"
)

type codeMetadata struct {
	status  int
	message string
}

var metadataByCode = map[Code]codeMetadata{
	CodeTenantUnresolved:           {http.StatusForbidden, "tenant could not be resolved"},
	CodeActorUnresolved:            {http.StatusForbidden, "actor could not be resolved"},
	CodeValidation:                 {http.StatusBadRequest, "request validation failed"},
	CodeCycleCountNotFound:         {http.StatusNotFound, "cycle count not found"},
	CodeCycleCountLineNotFound:     {http.StatusNotFound, "cycle count line not found"},
	CodeCycleCountLocked:           {http.StatusConflict, "cycle count is no longer editable"},
	CodeCycleCountEmpty:            {http.StatusConflict, "cycle count has no lines"},
	CodeDuplicateLineKey:           {http.StatusConflict, "line for hub/bin/sku already exists"},
	CodeLineKeysImmutable:          {http.StatusConflict, "line hub/bin/sku cannot be changed"},
	CodeLineKeysRequired:           {http.StatusBadRequest, "hubId, binId and skuId are required"},
	CodeCountedQtyInvalid:          {http.StatusBadRequest, "countedQty must be a number >= 0"},
	CodeStateConflict:              {http.StatusConflict, "cycle count status changed concurrently"},
	CodeFreezeSnapshotMissing:      {http.StatusConflict, "freeze snapshot missing"},
	CodeFreezeSnapshotLineMismatch: {http.StatusConflict, "freeze snapshot does not cover every line"},
	CodeFreezeSnapshotUnknownLine:  {http.StatusConflict, "freeze snapshot references unknown line"},
	CodeSnapshotMismatch:           {http.StatusConflict, "planned delta diverges from freeze snapshot"},
	CodePostInvalidState:           {http.StatusConflict, "cycle count must be APPROVED to post"},
	CodePostAlreadyCompleted:       {http.StatusConflict, "cycle count already posted"},
	CodePostIdempotencyCollision:   {http.StatusConflict, "post already in progress"},
	CodePostLockRequired:           {http.StatusConflict, "post lock not claimed"},
	CodeLedgerDerivationFailed:     {http.StatusConflict, "ledger quantity derivation failed"},
	CodeLedgerCursorInvalid:        {http.StatusBadRequest, "ledger cursor is invalid"},
	CodeLedgerCursorRequired:       {http.StatusBadRequest, "ledger cursor is required"},
	CodeLedgerEventInvalid:         {http.StatusConflict, "ledger event rejected"},
	CodeLedgerAppendFailed:         {http.StatusBadGateway, "ledger append failed"},
	CodeIdempotencyReplay:          {http.StatusConflict, "request already processed"},
	CodeInternal:                   {http.StatusInternalServerError, "internal error"},
}

// HTTPStatus returns the status code paired with c.
func (c Code) HTTPStatus() int {
	if meta, ok := metadataByCode[c]; ok {
		return meta.status
	}
	return http.StatusInternalServerError
}

// DefaultMessage returns the public message registered for c.
func (c Code) DefaultMessage() string {
	if meta, ok := metadataByCode[c]; ok {
		return meta.message
	}
	return metadataByCode[CodeInternal].message
}

// Error is the typed failure returned across service boundaries.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// NewError builds an Error. An empty message falls back to the code default.
func NewError(code Code, message string) *Error {
	if message == "" {
		message = code.DefaultMessage()
	}
	return &Error{Code: code, Message: message}
}

// WrapError builds an Error carrying cause.
func WrapError(code Code, message string, cause error) *Error {
	e := NewError(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of e with details attached.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	clone := *e
	clone.cause = cause
	return &clone
}

// AsError unwraps err into *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrorCode returns the code carried by err, or CodeInternal.
func ErrorCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeInternal
}

var (
	// ErrTenantUnresolved is returned when no tenant is bound to the request.
	ErrTenantUnresolved = NewError(CodeTenantUnresolved, "")
	// ErrActorUnresolved is returned when no actor is bound to the request.
	ErrActorUnresolved = NewError(CodeActorUnresolved, "")
	// ErrIdempotencyConflict indicates a duplicate idempotency key.
	ErrIdempotencyConflict = NewError(CodeIdempotencyReplay, "")
)
