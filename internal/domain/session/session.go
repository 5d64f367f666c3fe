// Package session holds the domain model of an authenticated portal session.
// This package has zero external dependencies.
package session

import (
	"strings"
	"time"
	"unicode"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Principal is the portal login identifier and the registry key.
type Principal string

// Validate checks that the principal is usable as a login identifier.
func (p Principal) Validate() error {
	s := string(p)
	if s == "" {
		return shared.NewDomainError("session", "Principal.Validate", shared.ErrInvalidInput, "username is required")
	}
	if len(s) > 64 {
		return shared.NewDomainError("session", "Principal.Validate", shared.ErrInvalidInput, "username is too long")
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return shared.NewDomainError("session", "Principal.Validate", shared.ErrInvalidInput, "username contains whitespace")
	}
	return nil
}

// String returns the raw identifier.
func (p Principal) String() string {
	return string(p)
}

// Credentials is a login identifier plus password. String never reveals the password.
type Credentials struct {
	Username Principal
	Password string
}

// Validate checks both fields.
func (c Credentials) Validate() error {
	if err := c.Username.Validate(); err != nil {
		return err
	}
	if c.Password == "" {
		return shared.NewDomainError("session", "Credentials.Validate", shared.ErrInvalidInput, "password is required")
	}
	return nil
}

// String implements fmt.Stringer without the password.
func (c Credentials) String() string {
	return "Credentials{" + string(c.Username) + ", ***}"
}

// AuthContext is what the portal hands back after a successful login.
type AuthContext struct {
	StudentID       string
	CSRFToken       string
	AuthenticatedAt time.Time
}

// IsValid reports whether the context can authorize portal calls.
func (a *AuthContext) IsValid() bool {
	return a != nil && a.StudentID != "" && a.CSRFToken != ""
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Info is a read-only snapshot of a session for API responses.
type Info struct {
	Principal   Principal
	IsNew       bool
	CreatedAt   time.Time
	LastUsedAt  time.Time
	IdleTimeout time.Duration
}

// ExpiresIn returns how long the session survives without further use.
func (i Info) ExpiresIn(now time.Time) time.Duration {
	left := i.IdleTimeout - now.Sub(i.LastUsedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether a session last used at lastUsed is past its idle timeout.
func Expired(lastUsed, now time.Time, idle time.Duration) bool {
	return now.Sub(lastUsed) > idle
}
