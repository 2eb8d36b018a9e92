package routing

import (
	"encoding/json"
	"html"
	"net/http"
	"strings"
)

type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    ErrorEnvelopeMeta `json:"meta"`
}

type ErrorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// API route classes always answer JSON; browser-facing classes answer HTML
// unless the caller asked for JSON explicitly.
var jsonOnlyClasses = map[RouteClass]bool{
	RouteClassInternalAPI: true,
	RouteClassPublicAPI:   true,
	RouteClassWebhook:     true,
}

func WriteError(w http.ResponseWriter, r *http.Request, rc RouteClass, status int, code string, message string) {
	if !jsonOnlyClasses[rc] && !acceptsJSON(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("<!doctype html><html><body>" + html.EscapeString(message) + "</body></html>"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{
		Code:    code,
		Message: message,
		TraceID: TraceIDFromRequest(r),
		Meta: ErrorEnvelopeMeta{
			Path:   r.URL.Path,
			Method: r.Method,
		},
	})
}

func acceptsJSON(r *http.Request) bool {
	accept, _, _ := strings.Cut(r.Header.Get("Accept"), ";")
	return strings.TrimSpace(accept) == "application/json"
}

// TraceIDFromRequest extracts the W3C trace id from traceparent, or "".
func TraceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if traceID == strings.Repeat("0", 32) {
		return ""
	}
	if !isLowerHex(traceID, 32) {
		return ""
	}
	return traceID
}

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, ch := range s {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}
