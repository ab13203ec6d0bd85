// Package response writes the API's JSON envelopes. Successful bodies are
// {"data": ...}, optionally with "meta"; failures are {"error": {...}}.
package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Data any       `json:"data"`
	Meta *ListMeta `json:"meta,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ListMeta describes how a job listing was filtered.
type ListMeta struct {
	Count  int    `json:"count"`
	Limit  int    `json:"limit,omitempty"`
	Status string `json:"status,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

// Accepted is used for submissions and cancel requests, which complete
// asynchronously.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// List writes items as the data array. A nil slice is written as [].
func List[T any](w http.ResponseWriter, items []T, meta ListMeta) {
	if items == nil {
		items = []T{}
	}
	meta.Count = len(items)
	writeJSON(w, http.StatusOK, envelope{Data: items, Meta: &meta})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// ValidationFailed reports per-field problems as a 400 VALIDATION_ERROR.
func ValidationFailed(w http.ResponseWriter, fields map[string]string) {
	Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", fields)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
