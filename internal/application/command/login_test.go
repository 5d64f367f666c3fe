package command

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vtop-hub/vtop-gateway/internal/domain/captcha"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop/vtoptest"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

type stubSolver struct {
	err error
}

func (s stubSolver) Solve(string) (captcha.Guess, error) {
	if s.err != nil {
		return captcha.Guess{}, s.err
	}
	return captcha.Guess{Text: "ABC123", Pipeline: "stub"}, nil
}

func testLoginConfig() LoginConfig {
	return LoginConfig{MaxFetchAttempts: 10, MaxCycles: 5}
}

func newFakePortal(t *testing.T) (*vtoptest.Portal, *vtop.Portal) {
	t.Helper()
	fake := vtoptest.New()
	t.Cleanup(fake.Close)

	cfg := vtop.DefaultClientConfig(fake.URL)
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 2 * time.Second
	cfg.BreakerThreshold = 100
	return fake, vtop.NewPortal(cfg, logger.Nop())
}

// scriptedClient fails the first failSubmits submits at the transport level.
type scriptedClient struct {
	inner       PortalClient
	failSubmits int
}

func (c *scriptedClient) FetchLoginPage(ctx context.Context) ([]byte, error) {
	return c.inner.FetchLoginPage(ctx)
}

func (c *scriptedClient) SubmitLogin(ctx context.Context, username, password, csrf, guess string) ([]byte, error) {
	if c.failSubmits > 0 {
		c.failSubmits--
		return nil, shared.WrapError("vtop", "POST /vtop/login", shared.ErrTransport, "request failed", errors.New("connection reset"))
	}
	return c.inner.SubmitLogin(ctx, username, password, csrf, guess)
}

// ══════════════════════════════════════════════════════════════════════════════
// SCENARIOS
// ══════════════════════════════════════════════════════════════════════════════

func TestAttemptLogin_Success(t *testing.T) {
	fake, portal := newFakePortal(t)
	client, err := portal.NewClient()
	require.NoError(t, err)

	o := NewLoginOrchestrator(stubSolver{}, testLoginConfig(), logger.Nop())
	res, err := o.AttemptLogin(context.Background(), vtoptest.Username, vtoptest.Password, client)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.Submits)
	assert.Equal(t, 1, res.Fetches)
	assert.Equal(t, "stub", res.Pipeline)
	assert.Contains(t, string(res.Data), vtoptest.StudentID)
	assert.Equal(t, "ABC123", fake.LastCaptcha())
}

func TestAttemptLogin_CaptchaRejectedOnceThenAccepted(t *testing.T) {
	fake, portal := newFakePortal(t)
	fake.Configure(func(p *vtoptest.Portal) { p.RejectCaptcha = 1 })
	client, err := portal.NewClient()
	require.NoError(t, err)

	o := NewLoginOrchestrator(stubSolver{}, testLoginConfig(), logger.Nop())
	res, err := o.AttemptLogin(context.Background(), vtoptest.Username, vtoptest.Password, client)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Submits)
	assert.Equal(t, 2, fake.Submits())
	assert.Equal(t, 2, fake.Fetches(), "each cycle fetches a fresh challenge")
}

func TestAttemptLogin_InvalidCredentialsIsTerminal(t *testing.T) {
	fake, portal := newFakePortal(t)
	client, err := portal.NewClient()
	require.NoError(t, err)

	o := NewLoginOrchestrator(stubSolver{}, testLoginConfig(), logger.Nop())
	res, err := o.AttemptLogin(context.Background(), vtoptest.Username, "wrong", client)

	assert.ErrorIs(t, err, shared.ErrCredentials)
	assert.True(t, shared.Terminal(err))
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid credentials", res.Message)
	assert.Equal(t, 1, fake.Submits())
	assert.Equal(t, 1, res.Submits)
}

func TestAttemptLogin_NoCaptchaExhaustsFetches(t *testing.T) {
	fake, portal := newFakePortal(t)
	fake.Configure(func(p *vtoptest.Portal) { p.NoCaptcha = true })
	client, err := portal.NewClient()
	require.NoError(t, err)

	o := NewLoginOrchestrator(stubSolver{}, testLoginConfig(), logger.Nop())
	res, err := o.AttemptLogin(context.Background(), vtoptest.Username, vtoptest.Password, client)

	assert.ErrorIs(t, err, shared.ErrExhausted)
	assert.Equal(t, 10, fake.Fetches())
	assert.Equal(t, 0, fake.Submits())
	assert.Equal(t, 10, res.Fetches)
	assert.Equal(t, 1, res.Attempts, "inner exhaustion is terminal")
}

func TestAttemptLogin_DecodeFailuresExhaustFetches(t *testing.T) {
	fake, portal := newFakePortal(t)
	client, err := portal.NewClient()
	require.NoError(t, err)

	solver := stubSolver{err: shared.DecodeError("Solve", "no pipeline", nil)}
	o := NewLoginOrchestrator(solver, testLoginConfig(), logger.Nop())
	_, err = o.AttemptLogin(context.Background(), vtoptest.Username, vtoptest.Password, client)

	assert.ErrorIs(t, err, shared.ErrExhausted)
	assert.ErrorIs(t, err, shared.ErrDecode)
	assert.Equal(t, 10, fake.Fetches())
	assert.Equal(t, 0, fake.Submits())
}

func TestAttemptLogin_CaptchaAlwaysRejectedExhaustsCycles(t *testing.T) {
	fake, portal := newFakePortal(t)
	fake.Configure(func(p *vtoptest.Portal) { p.RejectCaptcha = 100 })
	client, err := portal.NewClient()
	require.NoError(t, err)

	o := NewLoginOrchestrator(stubSolver{}, testLoginConfig(), logger.Nop())
	res, err := o.AttemptLogin(context.Background(), vtoptest.Username, vtoptest.Password, client)

	assert.ErrorIs(t, err, shared.ErrExhausted)
	assert.ErrorIs(t, err, shared.ErrCaptchaMismatch)
	assert.Equal(t, 5, fake.Submits())
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, "Login attempts exhausted", res.Message)
}

func TestAttemptLogin_SubmitTransportFailureRetriesCycle(t *testing.T) {
	fake, portal := newFakePortal(t)
	inner, err := portal.NewClient()
	require.NoError(t, err)
	client := &scriptedClient{inner: inner, failSubmits: 2}

	o := NewLoginOrchestrator(stubSolver{}, testLoginConfig(), logger.Nop())
	res, err := o.AttemptLogin(context.Background(), vtoptest.Username, vtoptest.Password, client)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, res.Fetches)
	assert.Equal(t, 1, fake.Submits(), "failed submits never reached the portal")
}

func TestAttemptLogin_FetchTransportFailures(t *testing.T) {
	fake, portal := newFakePortal(t)
	fake.Configure(func(p *vtoptest.Portal) { p.FailStatus = http.StatusServiceUnavailable })
	client, err := portal.NewClient()
	require.NoError(t, err)

	o := NewLoginOrchestrator(stubSolver{}, testLoginConfig(), logger.Nop())
	_, err = o.AttemptLogin(context.Background(), vtoptest.Username, vtoptest.Password, client)

	assert.ErrorIs(t, err, shared.ErrExhausted)
	assert.ErrorIs(t, err, shared.ErrTransport)
	assert.Equal(t, 10, fake.Fetches())
}

func TestAttemptLogin_ContextCancelled(t *testing.T) {
	fake, portal := newFakePortal(t)
	fake.Configure(func(p *vtoptest.Portal) { p.NoCaptcha = true })
	client, err := portal.NewClient()
	require.NoError(t, err)

	cfg := testLoginConfig()
	cfg.FetchDelay = time.Second
	o := NewLoginOrchestrator(stubSolver{}, cfg, logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = o.AttemptLogin(ctx, vtoptest.Username, vtoptest.Password, client)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fake.Fetches())
}
