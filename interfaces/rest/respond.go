package rest

import (
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// errorBody is the wire shape of every failed request.
type errorBody struct {
	Type      string         `json:"type"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Reference string         `json:"reference,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps an error onto the HTTP surface. Internal errors keep
// their cause in the log; the client sees a generic message plus the
// reference ID that finds the log line again.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	appErr := appErrors.AsApp(err)
	body := errorBody{
		Type:    string(appErr.Type),
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}
	if appErr.Type == appErrors.ErrorTypeInternal {
		logger.Error("request failed",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.String("reference", appErr.Reference),
			zap.String("path", r.URL.Path),
			zap.Error(appErr),
		)
		body.Message = "internal error"
		body.Details = nil
		body.Reference = appErr.Reference
	}
	writeJSON(w, appErr.HTTPStatus(), errorEnvelope{Error: body})
}

// decodeJSON reads a request body into dst, normalizing malformed input
// into a validation error.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.NewValidation("request body is not valid JSON")
	}
	return nil
}
