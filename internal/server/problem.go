package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Problem is an RFC 7807 Problem Details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem answers with an application/problem+json body for status.
// The type is a URN derived from the status text.
func WriteProblem(w http.ResponseWriter, status int, detail, instance string) {
	title := http.StatusText(status)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "urn:fruwatch:problem:" + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, http.StatusNotFound, detail, instance)
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, http.StatusInternalServerError, detail, instance)
}
