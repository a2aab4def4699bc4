package errcode

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorCode represents the unique, process-assigned identifier of a
// registered error condition.
type ErrorCode int

// ErrorCoder is implemented by any value that can resolve itself to an
// ErrorCode, letting ServeJSON treat a plain ErrorCode and a decorated Error
// uniformly.
type ErrorCoder interface {
	ErrorCode() ErrorCode
}

// Descriptor returns the ErrorDescriptor this code was registered with.
func (ec ErrorCode) Descriptor() ErrorDescriptor {
	d, ok := errorCodeToDescriptors[ec]
	if !ok {
		return ErrorCodeUnknown.Descriptor()
	}
	return d
}

// ErrorCode itself satisfies ErrorCoder, so it can be returned anywhere a
// plain error is expected.
func (ec ErrorCode) ErrorCode() ErrorCode { return ec }

// Error implements the error interface, rendering the registered message
// with no substitutions applied.
func (ec ErrorCode) Error() string {
	return ec.Descriptor().Message
}

// Message returns the unsubstituted message template for this code.
func (ec ErrorCode) Message() string {
	return ec.Descriptor().Message
}

// WithArgs returns an Error with the message template's %s verbs filled in
// from args, evaluated immediately.
func (ec ErrorCode) WithArgs(args ...interface{}) Error {
	return Error{
		Code:    ec,
		Message: fmt.Sprintf(ec.Descriptor().Message, args...),
	}
}

// WithDetail returns an Error carrying detail as additional, caller-defined
// context alongside the registered message.
func (ec ErrorCode) WithDetail(detail interface{}) Error {
	return Error{
		Code:    ec,
		Message: ec.Descriptor().Message,
		Detail:  detail,
	}
}

// ErrorDescriptor describes a single error condition.
type ErrorDescriptor struct {
	// Code is filled in by register; zero until then.
	Code ErrorCode

	// Value is a unique, stable, uppercase identifier for this condition,
	// safe to depend on across releases (unlike Code, which is merely
	// assigned in registration order within a process).
	Value string

	// Message is a human-readable summary, optionally containing %s verbs
	// filled in via WithArgs.
	Message string

	// Description gives additional explanatory detail, primarily for
	// generated documentation.
	Description string

	// HTTPStatusCode is the status used when this error is the leading
	// error in a response. Defaults to 500 if zero.
	HTTPStatusCode int
}

// Error decorates a registered ErrorCode with a rendered message and
// optional structured detail.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

var _ error = Error{}
var _ ErrorCoder = Error{}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code.Descriptor().Value, e.Message)
}

// ErrorCode implements ErrorCoder.
func (e Error) ErrorCode() ErrorCode { return e.Code }

// Errors is an envelope for one or more Error values, matching the wire
// shape `{"errors":[...]}` that the registry's clients expect.
type Errors []error

func (errs Errors) Error() string {
	switch len(errs) {
	case 0:
		return "<nil>"
	case 1:
		return errs[0].Error()
	default:
		msg := "multiple errors:"
		for _, err := range errs {
			msg += " " + err.Error() + ","
		}
		return msg
	}
}

// MarshalJSON renders the envelope as {"errors":[{code,message,detail}...]}.
func (errs Errors) MarshalJSON() ([]byte, error) {
	tmp := struct {
		Errors []Error `json:"errors"`
	}{}

	for _, daErr := range errs {
		var err Error
		switch daErr := daErr.(type) {
		case Error:
			err = daErr
		case ErrorCode:
			err = daErr.WithDetail(nil)
		default:
			err = ErrorCodeUnknown.WithDetail(daErr.Error())
		}
		tmp.Errors = append(tmp.Errors, err)
	}

	return json.Marshal(tmp)
}

// statusCodeOf returns the HTTP status code a caller should use for err,
// falling back to 500 when err carries none.
func statusCodeOf(err error) int {
	if ec, ok := err.(ErrorCoder); ok {
		if sc := ec.ErrorCode().Descriptor().HTTPStatusCode; sc != 0 {
			return sc
		}
	}
	return http.StatusInternalServerError
}
