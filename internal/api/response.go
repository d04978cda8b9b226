package api

import (
	"encoding/json"
	"net/http"

	"escrow-engine-go/internal/errs"
)

// errorBody is the standard error response format. The kind lets callers
// tell a timeout (reconcile, then maybe retry) apart from a rejection
// (definitive failure) without parsing messages.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps an error kind to its HTTP status and writes the standard
// error body.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case errs.KindInvalidArgument:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindInvalidState, errs.KindConflict:
		status = http.StatusConflict
	case errs.KindLedgerRejected:
		status = http.StatusBadGateway
	case errs.KindLedgerUnavailable:
		status = http.StatusServiceUnavailable
	case errs.KindLedgerTimeout:
		status = http.StatusGatewayTimeout
	}

	body := errorBody{Error: string(kind), Message: err.Error()}
	if kind == "" {
		body.Error = "internal"
	}
	writeJSON(w, status, body)
}
