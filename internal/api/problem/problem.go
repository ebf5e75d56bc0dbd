// Package problem writes RFC 7807 error bodies. Every type URI lives under
// one base so clients can switch on the trailing slug.
package problem

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	contentType = "application/problem+json"
	baseTypeURL = "https://errors.minority-rounds.dev/"
	traceHeader = "X-Trace-ID"
)

type Details struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
}

func Type(slug string) string {
	return baseTypeURL + slug
}

// Slug returns the part of a type URI after the base, or "" for foreign types.
func Slug(problemType string) string {
	slug, ok := strings.CutPrefix(problemType, baseTypeURL)
	if !ok {
		return ""
	}
	return slug
}

func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	if title == "" {
		title = http.StatusText(status)
	}
	if problemType == "" {
		problemType = "about:blank"
	}
	d := Details{
		Type:   problemType,
		Code:   Slug(problemType),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	// The trace middleware sets the response header before handlers run.
	d.RequestID = w.Header().Get(traceHeader)
	if r != nil {
		d.Instance = r.URL.Path
		if d.RequestID == "" {
			d.RequestID = r.Header.Get(traceHeader)
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d)
}
