package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError renders e in the API error envelope.
func writeError(w http.ResponseWriter, e *apperr.Error) {
	writeErrorStatus(w, e.Status(), e.Code, e.Message)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
