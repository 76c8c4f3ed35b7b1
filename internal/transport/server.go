package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/model"
)

// Request headers set on every outbound call.
const (
	HeaderStage    = "X-Triage-Stage"
	HeaderRecordID = "X-Triage-Record-ID"
)

// ErrorBody is the JSON body of every non-2xx stage response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure kind and a human-readable message.
type ErrorDetail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("transport: write response", zap.Error(err))
	}
}

// WriteError writes a typed error body.
func WriteError(w http.ResponseWriter, status int, kind Kind, msg string) {
	WriteJSON(w, status, ErrorBody{Error: ErrorDetail{Kind: kind, Message: msg}})
}

// WriteErr maps err onto a typed error response. Protocol errors become
// MALFORMED; everything else is reported as UNREACHABLE so the caller
// retries.
func WriteErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrProtocol):
		WriteError(w, http.StatusBadRequest, KindMalformed, err.Error())
	case KindOf(err) != "":
		k := KindOf(err)
		WriteError(w, k.HTTPStatus(), k, err.Error())
	default:
		WriteError(w, http.StatusServiceUnavailable, KindUnreachable, err.Error())
	}
}

// DecodeJSON reads at most maxBytes of r's body into v. Failures wrap
// model.ErrProtocol.
func DecodeJSON(r *http.Request, maxBytes int64, v any) error {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return eris.Wrapf(model.ErrProtocol, "read body: %v", err)
	}
	if int64(len(body)) > maxBytes {
		return eris.Wrapf(model.ErrProtocol, "body exceeds %d bytes", maxBytes)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return eris.Wrapf(model.ErrProtocol, "decode body: %v", err)
	}
	return nil
}

// DecodeEnvelope reads and validates an envelope from r.
func DecodeEnvelope(r *http.Request, maxBytes int64) (model.Envelope, error) {
	var env model.Envelope
	if err := DecodeJSON(r, maxBytes, &env); err != nil {
		return model.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return model.Envelope{}, err
	}
	if hdr := r.Header.Get(HeaderRecordID); hdr != "" && hdr != env.RecordID {
		return model.Envelope{}, eris.Wrapf(model.ErrProtocol, "header record_id %q does not match envelope %q", hdr, env.RecordID)
	}
	return env, nil
}
