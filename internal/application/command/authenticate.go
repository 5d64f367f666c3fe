package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/registry"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATE COMMAND
// Returns an authenticated session for a principal, reusing the cached auth context
// when the caller presents the same credentials and logging in otherwise. Concurrent
// callers for one principal serialize on the session's login lock, so only the first
// performs the login and the rest reuse its result.
// ══════════════════════════════════════════════════════════════════════════════

// AuthenticateCommand contains the caller's credentials.
type AuthenticateCommand struct {
	Credentials session.Credentials
}

// Validate validates the command.
func (c AuthenticateCommand) Validate() error {
	return c.Credentials.Validate()
}

// AuthenticateResult is an authenticated session ready for portal calls.
type AuthenticateResult struct {
	Session *registry.Session
	Auth    *session.AuthContext
	Info    session.Info

	// LoggedIn is true when this call performed a fresh portal login.
	LoggedIn bool
	Login    *LoginResult
}

// Authenticator coordinates the registry and the orchestrator, and publishes one
// LoginCompletedEvent per orchestrated login.
type Authenticator struct {
	registry     *registry.Registry
	orchestrator *LoginOrchestrator
	events       shared.EventPublisher
	bcryptCost   int
	logger       *logger.Logger
}

// NewAuthenticator creates a new Authenticator. events may be nil.
func NewAuthenticator(
	reg *registry.Registry,
	orchestrator *LoginOrchestrator,
	events shared.EventPublisher,
	bcryptCost int,
	log *logger.Logger,
) *Authenticator {
	if log == nil {
		log = logger.Nop()
	}
	return &Authenticator{
		registry:     reg,
		orchestrator: orchestrator,
		events:       events,
		bcryptCost:   bcryptCost,
		logger:       log.With(logger.Component("authenticator")),
	}
}

// maxAcquireRounds bounds how often a caller chases a session replaced while it waited.
const maxAcquireRounds = 3

// Handle executes the authenticate command.
func (a *Authenticator) Handle(ctx context.Context, cmd AuthenticateCommand) (*AuthenticateResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	principal := cmd.Credentials.Username

	s, isNew, err := a.acquire(ctx, principal, cmd.Credentials.Password)
	if err != nil {
		return nil, err
	}
	defer s.UnlockLogin()

	log := a.logger.With(logger.Principal(s.Digest()))

	if s.Authenticated() {
		if s.PasswordMatches(cmd.Credentials.Password) {
			a.registry.MarkUsed(principal)
			return &AuthenticateResult{
				Session: s,
				Auth:    s.Auth(),
				Info:    a.registry.Info(s, isNew),
			}, nil
		}
		log.Info("credentials differ from cached session; logging in again")
		if err := s.ClearAuth(); err != nil {
			a.registry.Invalidate(principal)
			return nil, fmt.Errorf("reset session: %w", err)
		}
	}

	start := time.Now()
	login, err := a.orchestrator.AttemptLogin(logger.WithContext(ctx, log), string(principal), cmd.Credentials.Password, s.Client())

	var auth *session.AuthContext
	if err == nil {
		auth, err = vtop.ExtractAuthContext(login.Data)
	}
	a.publish(s.Digest(), login, err, time.Since(start))

	if err != nil {
		a.fail(s, cmd.Credentials.Password, err)
		return nil, err
	}

	hash, err := registry.HashPassword(cmd.Credentials.Password, a.bcryptCost)
	if err != nil {
		a.registry.Invalidate(principal)
		return nil, fmt.Errorf("hash password: %w", err)
	}
	s.SetAuth(auth, hash)
	a.registry.MarkUsed(principal)

	log.Info("login succeeded",
		logger.Int("submits", login.Submits),
		logger.Int("fetches", login.Fetches),
		logger.Pipeline(login.Pipeline),
		logger.Latency(time.Since(start)),
	)

	return &AuthenticateResult{
		Session:  s,
		Auth:     auth,
		Info:     a.registry.Info(s, isNew),
		LoggedIn: true,
		Login:    login,
	}, nil
}

// Invalidate drops a principal's session after a downstream failure.
func (a *Authenticator) Invalidate(p session.Principal) {
	a.registry.Invalidate(p)
}

// fail shares a login failure with the callers queued behind this one, then drops the session.
func (a *Authenticator) fail(s *registry.Session, password string, err error) {
	if hash, hashErr := registry.HashPassword(password, a.bcryptCost); hashErr == nil {
		s.Fail(err, hash)
	}
	a.registry.Invalidate(s.Principal())
}

// acquire returns the registered session for p with its login lock held. A caller that
// waited on a session whose login failed with the same password gets that failure back.
func (a *Authenticator) acquire(ctx context.Context, p session.Principal, password string) (*registry.Session, bool, error) {
	for round := 0; round < maxAcquireRounds; round++ {
		s, isNew, err := a.registry.GetOrCreate(p)
		if err != nil {
			return nil, false, fmt.Errorf("allocate session: %w", err)
		}
		if err := s.LockLogin(ctx); err != nil {
			return nil, false, err
		}
		if a.registry.Owns(s) {
			return s, isNew, nil
		}
		failure := s.Failure(password)
		s.UnlockLogin()
		if failure != nil {
			return nil, false, failure
		}
		// Invalidated or swept while we waited.
	}
	return nil, false, shared.NewDomainError("session", "acquire", shared.ErrExhausted, "session kept changing while waiting for login")
}

func (a *Authenticator) publish(digest string, login *LoginResult, err error, d time.Duration) {
	if a.events == nil || login == nil {
		return
	}
	attempt := session.LoginAttempt{
		ID:              uuid.NewString(),
		PrincipalDigest: digest,
		Outcome:         shared.Code(err),
		Pipeline:        login.Pipeline,
		Submits:         login.Submits,
		Fetches:         login.Fetches,
		Duration:        d,
		CreatedAt:       time.Now().UTC(),
	}
	if pubErr := a.events.Publish(session.NewLoginCompletedEvent(attempt)); pubErr != nil {
		a.logger.Warn("login event not published", logger.Principal(digest), logger.Err(pubErr))
	}
}
