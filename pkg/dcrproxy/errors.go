package dcrproxy

import "fmt"

// ValidationError covers malformed or policy-violating input in the CIMD/SSRF
// layer: bad URLs, blocked IPs, malformed JSON, schema violations, client_id
// mismatches. It always fails before any state mutation.
type ValidationError struct {
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Cause }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// FetchError is a transport-level or HTTP-status-level failure while
// retrieving a remote document. It distinguishes "couldn't reach" from
// "reached but rejected content".
type FetchError struct {
	Message string
	Cause   error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

func (e *FetchError) Unwrap() error { return e.Cause }

func fetchErrorf(format string, args ...any) *FetchError {
	return &FetchError{Message: fmt.Sprintf(format, args...)}
}

// TokenError is an OAuth-standard error surfaced by the token endpoint.
// Upstream exchange failures are always mapped to "invalid_grant" for the
// caller; the underlying detail is logged, not exposed.
type TokenError struct {
	Code        string
	Description string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ClientNotFoundError indicates that cached credentials reference a client
// the authorization server no longer recognizes. Callers holding cached
// credentials should clear them and retry once.
type ClientNotFoundError struct {
	ClientID string
}

func (e *ClientNotFoundError) Error() string {
	return fmt.Sprintf("client not found: %s", e.ClientID)
}
