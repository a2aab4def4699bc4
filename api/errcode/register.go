package errcode

import (
	"fmt"
	"net/http"
	"sync"
)

var (
	errorCodeToDescriptors = map[ErrorCode]ErrorDescriptor{}
	idToDescriptors        = map[string]ErrorDescriptor{}
	nextCode               ErrorCode
	registerMu             sync.Mutex
)

// register assigns a process-unique ErrorCode to desc and records it for
// lookup by Descriptor and by Value. group is informational (used in
// generated documentation) and does not affect the assigned code.
func register(group string, desc ErrorDescriptor) ErrorCode {
	registerMu.Lock()
	defer registerMu.Unlock()

	if _, ok := idToDescriptors[desc.Value]; ok {
		panic(fmt.Sprintf("errcode: duplicate error value registered: %s", desc.Value))
	}

	nextCode++
	desc.Code = nextCode
	errorCodeToDescriptors[desc.Code] = desc
	idToDescriptors[desc.Value] = desc
	return desc.Code
}

var (
	// ErrorCodeUnknown is returned when an error has no situation-specific
	// classification.
	ErrorCodeUnknown = register("errcode", ErrorDescriptor{
		Value:          "UNKNOWN",
		Message:        "unknown error",
		Description:    "Generic error returned when the error does not have an API classification.",
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeUnauthorized is returned by the access layer when a request
	// lacks valid credentials. The engine itself never generates this; it
	// is registered here so the layer above can reuse one taxonomy.
	ErrorCodeUnauthorized = register("errcode", ErrorDescriptor{
		Value:          "UNAUTHORIZED",
		Message:        "authentication required",
		Description:    "The access controller was unable to authenticate the client.",
		HTTPStatusCode: http.StatusUnauthorized,
	})

	// ErrorCodeDenied is returned by the access layer when a caller lacks
	// permission for an otherwise well-formed request.
	ErrorCodeDenied = register("errcode", ErrorDescriptor{
		Value:          "DENIED",
		Message:        "requested access to the resource is denied",
		Description:    "The access controller denied access for the operation on a resource.",
		HTTPStatusCode: http.StatusForbidden,
	})
)

const coreGroup = "pkgvault.core"

var (
	// ErrorCodeNotFound corresponds to pkgvault.KindNotFound.
	ErrorCodeNotFound = register(coreGroup, ErrorDescriptor{
		Value:          "NOT_FOUND",
		Message:        "%s",
		Description:    "The requested package, version, or tarball does not exist locally and could not be obtained from any configured uplink.",
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeConflict corresponds to pkgvault.KindConflict.
	ErrorCodeConflict = register(coreGroup, ErrorDescriptor{
		Value:          "CONFLICT",
		Message:        "%s",
		Description:    "The requested version already exists, or the supplied revision no longer matches the current one.",
		HTTPStatusCode: http.StatusConflict,
	})

	// ErrorCodeBadData corresponds to pkgvault.KindBadData.
	ErrorCodeBadData = register(coreGroup, ErrorDescriptor{
		Value:          "BAD_DATA",
		Message:        "%s",
		Description:    "The supplied manifest is structurally invalid, or persisted data failed to parse.",
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeBadRequest corresponds to pkgvault.KindBadRequest.
	ErrorCodeBadRequest = register(coreGroup, ErrorDescriptor{
		Value:          "BAD_REQUEST",
		Message:        "%s",
		Description:    "The uploaded tarball's shasum does not match a previously recorded one, or a dist-tag mutation names a version that does not exist.",
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeUnavailable corresponds to pkgvault.KindUnavailable.
	ErrorCodeUnavailable = register(coreGroup, ErrorDescriptor{
		Value:          "UNAVAILABLE",
		Message:        "%s",
		Description:    "A configured uplink is unreachable, or the storage backend does not implement an optional capability.",
		HTTPStatusCode: http.StatusServiceUnavailable,
	})

	// ErrorCodeInternal corresponds to pkgvault.KindInternal.
	ErrorCodeInternal = register(coreGroup, ErrorDescriptor{
		Value:          "INTERNAL",
		Message:        "%s",
		Description:    "An unexpected backend or engine failure.",
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeContentMismatch corresponds to pkgvault.KindContentMismatch.
	ErrorCodeContentMismatch = register(coreGroup, ErrorDescriptor{
		Value:          "CONTENT_MISMATCH",
		Message:        "%s",
		Description:    "A downloaded tarball's size disagreed with its Content-Length header.",
		HTTPStatusCode: http.StatusBadGateway,
	})
)
