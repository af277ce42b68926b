package arcgis

import (
	"fmt"
	"strings"
)

// Esri error codes that mean the token is missing, invalid or expired.
const (
	codeInvalidToken  = 498
	codeTokenRequired = 499
)

// AuthError reports that the session is not authenticated for the service.
type AuthError struct {
	Code    int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("arcgis: not authenticated (code %d): %s", e.Code, msg)
	}
	return "arcgis: not authenticated: " + msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// tokenRejected reports whether the service rejected the token itself, which
// a refreshed token can fix.
func (e *AuthError) tokenRejected() bool {
	return e.Code == codeInvalidToken || e.Code == codeTokenRequired
}

// ServiceError reports a failed request: network failure, HTTP error status,
// an error payload from the service, or a response that could not be decoded.
type ServiceError struct {
	StatusCode int
	Code       int
	Message    string
	Details    []string
	Err        error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString("arcgis: service error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString("]")
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error { return e.Err }
