// Package handler exposes the gateway services over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/middleware"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: message}})
}

// writeAppError maps err to its status. Wrapped causes are logged, never
// rendered.
func writeAppError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	appErr := apperr.As(err)
	status := appErr.Status()
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, appErr.Code, appErr.Message)
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.BadRequest("PAYLOAD_TOO_LARGE", "request body too large")
		}
		return nil, apperr.BadRequest("INVALID_BODY", "failed to read request body")
	}
	return body, nil
}

// decodeJSON decodes a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.BadRequest("INVALID_JSON", "invalid request body")
	}
	return nil
}

// principal returns the authenticated caller. Routes using it sit behind
// middleware.Auth.
func principal(r *http.Request) model.Principal {
	p, _ := middleware.GetPrincipal(r.Context())
	return p
}

// queryInt parses a positive integer query parameter, or returns 0.
func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
