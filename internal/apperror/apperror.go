package apperror

import (
	"errors"
	"fmt"
	"strings"

	"cms-engine/internal/store"
)

const (
	CodeForbidden                  = "FORBIDDEN"
	CodeInvalidPayload             = "INVALID_PAYLOAD"
	CodeInvalidQuery               = "INVALID_QUERY"
	CodeRecordNotUnique            = "RECORD_NOT_UNIQUE"
	CodeRecordNotUniqueCombination = "RECORD_NOT_UNIQUE_COMBINATION"
	CodeInvalidForeignKey          = "INVALID_FOREIGN_KEY"
	CodeNotNullViolation           = "NOT_NULL_VIOLATION"
	CodeServiceUnavailable         = "SERVICE_UNAVAILABLE"
)

// AppError is the single error kind surfaced by the engine. Status is the
// HTTP status the boundary layer should answer with.
type AppError struct {
	Code       string         `json:"code"`
	Status     int            `json:"-"`
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
	cause      error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.cause
}

func New(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func Forbidden() *AppError {
	return New(CodeForbidden, 403, "You don't have permission to access this.")
}

func InvalidPayload(msg string) *AppError {
	return New(CodeInvalidPayload, 400, msg)
}

func InvalidQuery(msg string) *AppError {
	return New(CodeInvalidQuery, 400, msg)
}

// FailedValidation is an InvalidPayload carrying per-field details.
func FailedValidation(details []Detail) *AppError {
	e := InvalidPayload("Validation failed")
	e.Extensions = map[string]any{"details": details}
	return e
}

type Detail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func RecordNotUnique(collection, field string, invalid any) *AppError {
	msg := "Field has to be unique."
	if field != "" {
		msg = fmt.Sprintf("Field %q has to be unique.", field)
	}
	e := New(CodeRecordNotUnique, 400, msg)
	e.Extensions = map[string]any{"collection": collection, "field": field, "invalid": invalid}
	return e
}

func RecordNotUniqueCombination(collection string, fields []string, invalid any) *AppError {
	var msg string
	switch len(fields) {
	case 0:
		msg = "Field has to be unique."
	case 1:
		msg = fmt.Sprintf("Field %q has to be unique.", fields[0])
	default:
		msg = fmt.Sprintf("Combination Field %q has to be unique.", strings.Join(fields, ", "))
	}
	e := New(CodeRecordNotUniqueCombination, 400, msg)
	var field any = fields
	if len(fields) == 1 {
		field = fields[0]
	}
	e.Extensions = map[string]any{"collection": collection, "field": field, "invalid": invalid}
	return e
}

func InvalidForeignKey(collection, field string) *AppError {
	e := New(CodeInvalidForeignKey, 400, fmt.Sprintf("Invalid foreign key in field %q.", field))
	e.Extensions = map[string]any{"collection": collection, "field": field}
	return e
}

func NotNullViolation(collection, field string) *AppError {
	msg := "Value can't be null."
	if field != "" {
		msg = fmt.Sprintf("Value for field %q can't be null.", field)
	}
	e := New(CodeNotNullViolation, 400, msg)
	e.Extensions = map[string]any{"collection": collection, "field": field}
	return e
}

func ServiceUnavailable(service, reason string) *AppError {
	e := New(CodeServiceUnavailable, 503, fmt.Sprintf("Service %q is unavailable. %s.", service, reason))
	e.Extensions = map[string]any{"service": service}
	return e
}

// Errors carries several violations raised together.
type Errors []*AppError

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// As returns the first AppError found in err's chain. For Errors the first
// element is returned.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	var es Errors
	if errors.As(err, &es) && len(es) > 0 {
		return es[0], true
	}
	return nil, false
}

// Is reports whether err carries an AppError with the given code.
func Is(err error, code string) bool {
	var es Errors
	if errors.As(err, &es) {
		for _, e := range es {
			if e.Code == code {
				return true
			}
		}
	}
	ae, ok := As(err)
	return ok && ae.Code == code
}

// TranslateDatabaseError turns a constraint failure reported by the store
// into the matching AppError. Dialects map driver errors to
// *store.ConstraintError first; anything else is returned unchanged.
func TranslateDatabaseError(err error, collection string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	var ce *store.ConstraintError
	if !errors.As(err, &ce) {
		return err
	}
	if collection == "" {
		collection = ce.Table
	}

	var ae *AppError
	switch {
	case errors.Is(ce.Kind, store.ErrUniqueViolation):
		var invalid any
		if ce.Value != "" {
			invalid = ce.Value
		}
		ae = RecordNotUnique(collection, ce.Column, invalid)
	case errors.Is(ce.Kind, store.ErrForeignKeyViolation):
		ae = InvalidForeignKey(collection, ce.Column)
	case errors.Is(ce.Kind, store.ErrNotNullViolation):
		ae = NotNullViolation(collection, ce.Column)
	default:
		return err
	}
	ae.cause = err
	return ae
}
