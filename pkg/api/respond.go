package api

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the JSON error envelope.
const (
	CodeMissingFile     = "MISSING_FILE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeInvalidFile     = "INVALID_FILE"
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
	CodeNotFound        = "NOT_FOUND"
	CodeGone            = "GONE"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeBadRequest      = "BAD_REQUEST"
	CodeInternal        = "INTERNAL_ERROR"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
