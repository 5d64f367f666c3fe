package vtop

import (
	"bytes"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// Verdict is the portal's answer to a login submission.
type Verdict int

const (
	// VerdictUnknown carries no rejection marker and is treated as success.
	VerdictUnknown Verdict = iota
	// VerdictCredentials means the login identifier or password was rejected.
	VerdictCredentials
	// VerdictCaptcha means the captcha guess was rejected.
	VerdictCaptcha
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictCredentials:
		return "credentials"
	case VerdictCaptcha:
		return "captcha"
	default:
		return "unknown"
	}
}

// Err maps a rejection verdict to its domain error; VerdictUnknown has none.
func (v Verdict) Err() error {
	switch v {
	case VerdictCredentials:
		return shared.NewDomainError("vtop", "Login", shared.ErrCredentials, "portal rejected login id or password")
	case VerdictCaptcha:
		return shared.NewDomainError("vtop", "Login", shared.ErrCaptchaMismatch, "portal rejected captcha")
	default:
		return nil
	}
}

// ClassifyVerdict inspects a login response. The credential marker is checked first so a
// page carrying both is never retried.
func ClassifyVerdict(body []byte) Verdict {
	switch {
	case bytes.Contains(body, []byte(MarkerInvalidCredentials)):
		return VerdictCredentials
	case bytes.Contains(body, []byte(MarkerInvalidCaptcha)):
		return VerdictCaptcha
	default:
		return VerdictUnknown
	}
}
