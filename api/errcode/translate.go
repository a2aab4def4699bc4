package errcode

import "github.com/pkgvault/pkgvault"

// kindCodes maps the engine's backend-agnostic error taxonomy to the
// HTTP-facing codes registered above. The Local Store boundary is the only
// place backend errors are classified into pkgvault.Kind; this table is the
// only place that classification becomes an HTTP status.
var kindCodes = map[pkgvault.Kind]ErrorCode{
	pkgvault.KindNotFound:        ErrorCodeNotFound,
	pkgvault.KindConflict:        ErrorCodeConflict,
	pkgvault.KindBadData:         ErrorCodeBadData,
	pkgvault.KindBadRequest:      ErrorCodeBadRequest,
	pkgvault.KindUnavailable:     ErrorCodeUnavailable,
	pkgvault.KindInternal:        ErrorCodeInternal,
	pkgvault.KindContentMismatch: ErrorCodeContentMismatch,
}

// FromError renders an arbitrary error as an Error using the HTTP code
// registered for its pkgvault.Kind (ErrorCodeInternal for anything
// unclassified), carrying the error's own message text.
func FromError(err error) Error {
	if err == nil {
		return ErrorCodeUnknown.WithArgs()
	}

	code, ok := kindCodes[pkgvault.KindOf(err)]
	if !ok {
		code = ErrorCodeInternal
	}

	return code.WithArgs(err.Error())
}
