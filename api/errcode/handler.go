package errcode

import (
	"encoding/json"
	"net/http"
)

// ServeJSON encodes err as the standard {"errors":[...]} envelope and writes
// it to w, using the HTTP status of the leading error. err may be an Errors,
// a single Error, a bare ErrorCode, or an arbitrary error (wrapped as
// ErrorCodeUnknown).
func ServeJSON(w http.ResponseWriter, err error) error {
	errs, ok := err.(Errors)
	if !ok {
		errs = Errors{err}
	}

	if len(errs) < 1 {
		errs = Errors{ErrorCodeUnknown}
	}

	sc := statusCodeOf(errs[0])

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(sc)

	return json.NewEncoder(w).Encode(errs)
}
