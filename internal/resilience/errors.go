// Package resilience guards calls to external enrichment sources with
// retry and circuit breaking. Offline lookups never go through it; only
// the network-backed ASN fallback and reputation sources do.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Transient marks an error as safe to retry. Source clients wrap rate
// limit and server-side failures in it so the retry loop and breaker can
// tell them apart from hard failures like a 404 or a quota rejection.
type Transient struct {
	Err    error
	Status int
}

func (e *Transient) Error() string { return e.Err.Error() }

func (e *Transient) Unwrap() error { return e.Err }

// MarkTransient wraps err as retryable, recording the HTTP status when
// the failure came from a response.
func MarkTransient(err error, status int) *Transient {
	return &Transient{Err: err, Status: status}
}

// Retryable reports whether err is worth another attempt: an explicit
// Transient wrapper, a network timeout, or a connection-level failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var tr *Transient
	if errors.As(err, &tr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Some HTTP client errors only surface as wrapped strings.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RetryableStatus reports whether an HTTP status indicates a failure the
// source may recover from.
func RetryableStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
