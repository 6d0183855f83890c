package problem

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	contentType = "application/problem+json"
	baseTypeURL = "https://errors.token-ledger.dev/"
)

// Details represents RFC 7807 Problem Details. Code is the type slug, stable for clients
// that branch on ledger failures without parsing URLs.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id"`
}

func Type(slug string) string {
	return baseTypeURL + slug
}

// Write sends an RFC 7807 error. Ledger errors describe a point-in-time state, so they
// are never cached.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	if title == "" {
		title = http.StatusText(status)
	}
	if problemType == "" {
		problemType = "about:blank"
	}
	d := Details{
		Type:   problemType,
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   strings.TrimPrefix(problemType, baseTypeURL),
	}
	if d.Code == problemType {
		d.Code = ""
	}
	if r != nil {
		d.Instance = r.URL.Path
		d.RequestID = r.Header.Get("X-Trace-ID")
	}
	if d.RequestID == "" {
		d.RequestID = w.Header().Get("X-Trace-ID")
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d)
}

// WriteRetryable is Write for conflicts the client may retry after the given delay.
func WriteRetryable(w http.ResponseWriter, r *http.Request, status int, problemType, detail string, after time.Duration) {
	secs := int(after.Round(time.Second) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	Write(w, r, status, problemType, "", detail)
}
