package arcgis

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RefreshFunc returns a new token from the host environment.
type RefreshFunc func(ctx context.Context) (string, error)

// Session carries the credentials for one run. It is passed explicitly to the
// client; nothing about authentication lives in package state.
type Session struct {
	token   string
	refresh RefreshFunc
}

// NewSession returns a session holding token. refresh may be nil, in which
// case a rejected token ends the run with an AuthError.
func NewSession(token string, refresh RefreshFunc) *Session {
	return &Session{token: strings.TrimSpace(token), refresh: refresh}
}

// Anonymous returns a session for public services that need no token.
func Anonymous() *Session {
	return &Session{}
}

// Token returns the current token, or "" for anonymous sessions.
func (s *Session) Token() string {
	if s == nil {
		return ""
	}
	return s.token
}

// Refresh asks the host environment for a new token. It fails with an
// AuthError when no refresh source is configured or the token did not change.
func (s *Session) Refresh(ctx context.Context) error {
	if s == nil || s.refresh == nil {
		return &AuthError{Message: "token rejected and no refresh source configured"}
	}

	tok, err := s.refresh(ctx)
	if err != nil {
		return &AuthError{Message: "refresh token", Err: err}
	}
	tok = strings.TrimSpace(tok)
	if tok == "" || tok == s.token {
		return &AuthError{Message: "refreshed token is empty or unchanged"}
	}

	zap.L().Info("arcgis: session token refreshed")
	s.token = tok
	return nil
}

// TokenFile returns a RefreshFunc that re-reads the token from path. Hosts
// that rotate tokens write the current one to that file.
func TokenFile(path string) RefreshFunc {
	return func(_ context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", eris.Wrapf(err, "arcgis: read token file %s", path)
		}
		return strings.TrimSpace(string(data)), nil
	}
}
