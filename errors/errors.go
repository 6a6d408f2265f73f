package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotImplemented   ErrCode = "NotImplemented"
	ErrCodeNotFound         ErrCode = "NotFound"
	ErrCodeExpired          ErrCode = "Expired"
	ErrCodeQuotaExhausted   ErrCode = "QuotaExhausted"
	ErrCodePasswordRequired ErrCode = "PasswordRequired"
	ErrCodePasswordInvalid  ErrCode = "PasswordInvalid"
	ErrCodeForbidden        ErrCode = "Forbidden"
	ErrCodeDuplicateID      ErrCode = "DuplicateID"
	ErrCodeServiceFailure   ErrCode = "ServiceFailure"
	ErrCodeAPIBadRequest    ErrCode = "BadRequest"
	ErrCodeOversized        ErrCode = "Oversized"
)

// Err is the error type shared by all linkvault components. Its Code classifies the failure so that
// callers can pick a specific reaction(prompt for password, show expiry message etc.) instead of
// treating everything as a server error.
type Err struct {
	Code  ErrCode
	msg   string
	cause error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the chain of errors leading to e, one cause per line
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	depth := 1
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("\t", depth))
		b.WriteString("Caused by: ")
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
		depth++
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

func (e *Err) WithMsg(m string) *Err {
	e.msg = m
	return e
}

// Denied reports whether e is one of the expected access rejections. Denials are outcomes the caller
// handles itself and never a server error.
func (e *Err) Denied() bool {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeExpired, ErrCodeQuotaExhausted, ErrCodePasswordRequired,
		ErrCodePasswordInvalid, ErrCodeForbidden:
		return true
	default:
		return false
	}
}

// prefer NewAppSpecificErr(msg) over NewAppSpecificErr(msg, cause) since the latter's method signature has less
// readability - user needs to look up docs to know the 2nd param is for cause, while the first one can use
// WithCause() to be explicit
func NewServiceFailure(m string) *Err {
	return &Err{
		Code: ErrCodeServiceFailure,
		msg:  m,
	}
}

func NewNotFound(m string) *Err {
	return &Err{
		Code: ErrCodeNotFound,
		msg:  m,
	}
}

func NewExpired(m string) *Err {
	return &Err{
		Code: ErrCodeExpired,
		msg:  m,
	}
}

func NewQuotaExhausted(m string) *Err {
	return &Err{
		Code: ErrCodeQuotaExhausted,
		msg:  m,
	}
}

func NewPasswordRequired() *Err {
	return &Err{
		Code: ErrCodePasswordRequired,
		msg:  "password required",
	}
}

func NewPasswordInvalid() *Err {
	return &Err{
		Code: ErrCodePasswordInvalid,
		msg:  "incorrect password",
	}
}

func NewForbidden(m string) *Err {
	return &Err{
		Code: ErrCodeForbidden,
		msg:  m,
	}
}

func NewDuplicateID(m string) *Err {
	return &Err{
		Code: ErrCodeDuplicateID,
		msg:  m,
	}
}

func NewBadInput(m string) *Err {
	return &Err{
		Code: ErrCodeAPIBadRequest,
		msg:  m,
	}
}

func NewOversized() *Err {
	return &Err{
		Code: ErrCodeOversized,
		msg:  "data oversized",
	}
}

func NewNotImplemented() *Err {
	return &Err{
		Code: ErrCodeNotImplemented,
		msg:  "Not implemented",
	}
}

// CodeOf returns the ErrCode carried by err, or ErrCodeServiceFailure if err is not an *Err
func CodeOf(err error) ErrCode {
	var e *Err
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeServiceFailure
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeExpired, ErrCodeQuotaExhausted:
		return http.StatusGone
	case ErrCodePasswordRequired, ErrCodePasswordInvalid:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeAPIBadRequest:
		return http.StatusBadRequest
	case ErrCodeOversized:
		return http.StatusRequestEntityTooLarge
	case ErrCodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
