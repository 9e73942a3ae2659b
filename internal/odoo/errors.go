package odoo

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConfigured    = errors.New("odoo url not configured")
	ErrNotAuthenticated = errors.New("not authenticated, please login first")
)

// RPCError is an error object returned inside a JSON-RPC response.
type RPCError struct {
	Code    int
	Message string
	Name    string
	Detail  string
}

func (e *RPCError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("odoo error %d", e.Code)
}

// IsSessionError reports whether err means the remote session is gone and a
// fresh login may fix it.
func IsSessionError(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.Code == 100 || strings.Contains(rpcErr.Name, "SessionExpired") {
		return true
	}
	// A bare "invalid" also tags validation faults, which a new login cannot fix.
	msg := strings.ToLower(rpcErr.Error())
	return strings.Contains(msg, "session") || strings.Contains(msg, "expired")
}
