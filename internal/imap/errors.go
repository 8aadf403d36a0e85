package imap

import "strings"

// IsConnectionError reports whether err indicates a dead or broken
// connection (as opposed to a protocol-level failure), meaning the
// caller should discard its Client and reconnect rather than retry on
// the same socket.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	connectionErrors := []string{
		"use of closed network connection",
		"connection reset",
		"broken pipe",
		"EOF",
		"i/o timeout",
		"connection refused",
		"no such host",
		"network is unreachable",
	}
	for _, connErr := range connectionErrors {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}
	return false
}
