// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/domain/captcha"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
	"github.com/vtop-hub/vtop-gateway/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// LOGIN ORCHESTRATOR
// Drives fetch → solve → submit against the portal until it accepts, rejects the
// credentials, or a retry budget runs out. The orchestrator has no side effects
// beyond the portal calls; the caller owns the session.
// ══════════════════════════════════════════════════════════════════════════════

// PortalClient is the transport the orchestrator drives.
type PortalClient interface {
	FetchLoginPage(ctx context.Context) ([]byte, error)
	SubmitLogin(ctx context.Context, username, password, csrf, captcha string) ([]byte, error)
}

// ChallengeSolver turns an encoded challenge image into a guess.
type ChallengeSolver interface {
	Solve(encoded string) (captcha.Guess, error)
}

// LoginConfig bounds the orchestrator's retry loops.
type LoginConfig struct {
	// MaxFetchAttempts caps login page loads per cycle.
	MaxFetchAttempts int

	// MaxCycles caps full fetch-solve-submit cycles.
	MaxCycles int

	// FetchDelay is the pause between failed page loads.
	FetchDelay time.Duration

	// CycleDelay is the pause between rejected submits.
	CycleDelay time.Duration
}

// DefaultLoginConfig returns the portal-calibrated limits.
func DefaultLoginConfig() LoginConfig {
	return LoginConfig{
		MaxFetchAttempts: 10,
		MaxCycles:        5,
		FetchDelay:       500 * time.Millisecond,
		CycleDelay:       500 * time.Millisecond,
	}
}

// LoginResult is the outcome of AttemptLogin. Data holds the portal's landing page on success.
type LoginResult struct {
	Success  bool
	Data     []byte
	Message  string
	Attempts int
	Submits  int
	Fetches  int
	Pipeline string
}

// LoginOrchestrator runs the login state machine.
type LoginOrchestrator struct {
	solver ChallengeSolver
	config LoginConfig
	logger *logger.Logger
}

// NewLoginOrchestrator creates a new LoginOrchestrator.
func NewLoginOrchestrator(solver ChallengeSolver, config LoginConfig, log *logger.Logger) *LoginOrchestrator {
	if log == nil {
		log = logger.Nop()
	}
	return &LoginOrchestrator{
		solver: solver,
		config: config,
		logger: log.With(logger.Component("login-orchestrator")),
	}
}

// solvedChallenge is the output of a successful FetchChallenge + SolveChallenge.
type solvedChallenge struct {
	token string
	guess captcha.Guess
}

// AttemptLogin logs username in through client.
//
// Errors: ErrCredentials when the portal rejects the login id or password (exactly one
// submit), ErrExhausted when either retry budget runs out, or the context error.
func (o *LoginOrchestrator) AttemptLogin(ctx context.Context, username, password string, client PortalClient) (*LoginResult, error) {
	result := &LoginResult{}
	log := logger.FromContextOr(ctx, o.logger)

	cycles := retry.LoginCycleRetrier(o.config.MaxCycles, o.config.CycleDelay)
	err := cycles.Do(ctx, func(ctx context.Context) error {
		result.Attempts++

		challenge, err := o.fetchChallenge(ctx, client, result)
		if err != nil {
			return retry.Permanent(err)
		}
		result.Pipeline = challenge.guess.Pipeline

		result.Submits++
		body, err := client.SubmitLogin(ctx, username, password, challenge.token, challenge.guess.Text)
		if err != nil {
			log.Debug("login submit failed", logger.Attempt(result.Attempts), logger.Err(err))
			return retry.Retryable(err)
		}

		verdict := vtop.ClassifyVerdict(body)
		log.Debug("login verdict",
			logger.Attempt(result.Attempts),
			logger.Pipeline(challenge.guess.Pipeline),
			logger.String("verdict", verdict.String()),
		)

		switch verdict {
		case vtop.VerdictCredentials:
			return retry.Permanent(verdict.Err())
		case vtop.VerdictCaptcha:
			return retry.Retryable(verdict.Err())
		default:
			result.Data = body
			return nil
		}
	})

	if err == nil {
		result.Success = true
		result.Message = "login successful"
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !shared.Terminal(err) {
		err = ctxErr
	} else if retry.IsExhausted(err) {
		err = shared.WrapError("login", "AttemptLogin", shared.ErrExhausted,
			fmt.Sprintf("portal did not accept login after %d attempts", result.Attempts), err)
	}
	result.Message = failureMessage(err)
	log.Warn("login failed",
		logger.Outcome(shared.Code(err)),
		logger.Int("attempts", result.Attempts),
		logger.Int("submits", result.Submits),
		logger.Int("fetches", result.Fetches),
	)
	return result, err
}

// fetchChallenge loads the login page until it yields a solvable challenge. Missing
// captchas, transport failures and decode failures are all retried with a fixed delay.
func (o *LoginOrchestrator) fetchChallenge(ctx context.Context, client PortalClient, result *LoginResult) (solvedChallenge, error) {
	fetches := retry.ChallengeFetchRetrier(o.config.MaxFetchAttempts, o.config.FetchDelay)
	solved, err := retry.DoWithData(ctx, fetches, func(ctx context.Context) (solvedChallenge, error) {
		result.Fetches++

		page, err := client.FetchLoginPage(ctx)
		if err != nil {
			return solvedChallenge{}, retry.Retryable(err)
		}

		challenge, err := vtop.DetectChallenge(page)
		if err != nil {
			return solvedChallenge{}, retry.Retryable(err)
		}

		guess, err := o.solver.Solve(challenge.Image)
		if err != nil {
			return solvedChallenge{}, retry.Retryable(err)
		}

		return solvedChallenge{token: challenge.Token, guess: guess}, nil
	})
	if err == nil {
		return solved, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return solvedChallenge{}, ctxErr
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return solvedChallenge{}, shared.WrapError("login", "FetchChallenge", shared.ErrExhausted,
			fmt.Sprintf("no solvable challenge after %d page loads", exhausted.Attempts), exhausted.Err)
	}
	return solvedChallenge{}, err
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, shared.ErrCredentials):
		return "Invalid credentials"
	case errors.Is(err, shared.ErrExhausted):
		return "Login attempts exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Login cancelled"
	default:
		return "Login failed"
	}
}
