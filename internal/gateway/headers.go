package gateway

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// hopHeaders are connection-scoped and never forwarded (RFC 9110 section 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops hop-by-hop headers, including those named by Connection.
func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// upstreamHeaders builds the headers sent to the backend.
func upstreamHeaders(r *http.Request, clientIP, requestID string, custom map[string]string) http.Header {
	h := r.Header.Clone()
	removeHopHeaders(h)
	h.Del("Host")
	h.Del("Content-Length")

	if clientIP != "" {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}
	if h.Get("X-Forwarded-Host") == "" && r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else if h.Get("X-Forwarded-Proto") == "" {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Request-ID", requestID)

	for k, v := range custom {
		h.Set(k, v)
	}
	return h
}

// copyResponseHeaders copies upstream headers except hop-by-hop ones.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	removeHopHeaders(dst)
}

func requestID(r *http.Request, fromCtx string) string {
	if fromCtx != "" {
		return fromCtx
	}
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}

// bearerToken validates the Authorization header shape only. Token contents are
// checked by the backends.
func bearerToken(header string) (Kind, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return KindAuthRequired, false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return KindAuthInvalid, false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return KindAuthInvalid, false
	}
	return "", true
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

// isStreaming reports responses relayed chunk by chunk.
func isStreaming(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(ct, "text/event-stream") || strings.HasPrefix(ct, "application/x-ndjson") {
		return true
	}
	return resp.ContentLength < 0
}
