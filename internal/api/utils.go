package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/kenneth/pngcrypt/internal/crypto"
	"github.com/kenneth/pngcrypt/internal/middleware"
)

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if r.RemoteAddr != "" {
		// RemoteAddr is in format "IP:port", extract just IP
		if colonIdx := strings.LastIndex(r.RemoteAddr, ":"); colonIdx != -1 {
			return r.RemoteAddr[:colonIdx]
		}
		return r.RemoteAddr
	}

	return "unknown"
}

// getRequestID returns the id assigned by the request ID middleware, falling
// back to the raw header.
func getRequestID(r *http.Request) string {
	if id := middleware.RequestID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(middleware.RequestIDHeader)
}

// queryBool reports whether the named query parameter is a true value.
func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// querySize parses the optional size parameter. Zero means the configured
// key size.
func querySize(r *http.Request, maxSize int) (int, error) {
	raw := r.URL.Query().Get("size")
	if raw == "" {
		return 0, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid key size %q: %w", raw, err)
	}
	if err := crypto.ValidateKeySize(size, maxSize); err != nil {
		return 0, err
	}
	return size, nil
}
