package rpcclient

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when the node answers a lookup with JSON null
	// (unknown block number or a pending transaction that already vanished).
	ErrNotFound = errors.New("rpcclient: not found")

	// ErrClientClosed is returned by every call made after the underlying
	// connection has been torn down.
	ErrClientClosed = errors.New("rpcclient: client closed")
)

// Error is a JSON-RPC 2.0 error object returned by the remote node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// codeMethodNotFound is the JSON-RPC 2.0 standard code for an unknown method.
// Providers without mempool streaming answer eth_subscribe("newPendingTransactions")
// with it, which is a stronger signal than matching English error text.
const codeMethodNotFound = -32601

// IsRateLimited reports whether err looks like a provider quota rejection.
// Free public endpoints rarely agree on an error shape, so this is a
// substring match over the usual suspects.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "429", "rate limit", "quota")
}

// IsUnsupported reports whether err means the node lacks a capability
// (typically the newPendingTransactions channel). A structured
// "method not found" error is authoritative; the text match is the
// fallback for providers that wrap their refusal in prose.
func IsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Code == codeMethodNotFound {
		return true
	}
	return containsAny(err.Error(), "not supported", "not available", "unsupported")
}

func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
