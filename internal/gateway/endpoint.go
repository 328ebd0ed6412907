package gateway

import (
	"strings"

	"github.com/google/uuid"
)

const maxEndpointSegments = 8

// NormalizeEndpoint turns a request path into a bounded metric label:
// ids become ":id" and deep paths are truncated.
//
//	/api/samples/123/files -> /api/samples/:id/files
func NormalizeEndpoint(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	if len(segments) > maxEndpointSegments {
		segments = append(segments[:maxEndpointSegments], "...")
	}
	for i, s := range segments {
		if looksLikeID(s) {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	if isDigits(s) {
		return true
	}
	if len(s) == 36 {
		if _, err := uuid.Parse(s); err == nil {
			return true
		}
	}
	return len(s) >= 16 && isHex(s)
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
