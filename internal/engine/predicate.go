package engine

import (
	"context"
	"errors"
	"strings"
)

// transientMarkers identify daemon/network conditions worth retrying.
var transientMarkers = []string{
	"cannot connect to the docker daemon",
	"docker daemon is starting",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"tls handshake timeout",
	"temporary failure",
	"eof",
	"context deadline exceeded",
	"service unavailable",
}

// permanentMarkers are configuration or authorization failures that a retry
// can never fix; they take precedence over the transient markers.
var permanentMarkers = []string{
	"permission denied",
	"unauthorized",
	"no such container",
	"no such service",
	"invalid reference",
	"unknown flag",
	"invalid argument",
	"unknown shorthand",
}

// TransientPredicate reports whether an engine error is worth retrying.
func TransientPredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ImageMissing reports whether a compose/run failure was caused by an
// absent image, which a build can fix.
func ImageMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such image") ||
		strings.Contains(msg, "pull access denied") ||
		strings.Contains(msg, "manifest unknown") ||
		strings.Contains(msg, "image not found")
}
