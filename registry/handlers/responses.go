package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkgvault/pkgvault/api/errcode"
)

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// okEnvelope is the {ok: "<message>"} success envelope SPEC_FULL §6
// describes for create/mutate responses, optionally merged with a manifest.
type okEnvelope struct {
	OK string `json:"ok"`
}

// writeOK writes the standard create/mutate success envelope. When manifest
// is non-nil its fields are reported alongside "ok", matching how the
// ecosystem's client inspects the returned manifest after a mutation.
func writeOK(w http.ResponseWriter, status int, message string, manifest interface{}) {
	if manifest == nil {
		writeJSON(w, status, okEnvelope{OK: message})
		return
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		writeJSON(w, status, okEnvelope{OK: message})
		return
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(body, &merged); err != nil {
		writeJSON(w, status, okEnvelope{OK: message})
		return
	}
	merged["ok"] = message
	writeJSON(w, status, merged)
}

// writeError translates err through the engine's Kind taxonomy into the
// registered HTTP status and the standard {"errors":[...]} envelope.
func writeError(w http.ResponseWriter, err error) {
	_ = errcode.ServeJSON(w, errcode.Errors{errcode.FromError(err)})
}
