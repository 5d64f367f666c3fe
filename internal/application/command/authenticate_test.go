package command

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop/vtoptest"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/registry"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recordedEvents) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordedEvents) attempts() []session.LoginAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.LoginAttempt
	for _, e := range r.events {
		if lc, ok := e.(session.LoginCompletedEvent); ok {
			out = append(out, lc.Attempt)
		}
	}
	return out
}

type authFixture struct {
	fake     *vtoptest.Portal
	registry *registry.Registry
	events   *recordedEvents
	auth     *Authenticator
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	fake, portal := newFakePortal(t)
	reg := registry.New(portal, 10*time.Minute)
	events := &recordedEvents{}
	orchestrator := NewLoginOrchestrator(stubSolver{}, testLoginConfig(), logger.Nop())
	return &authFixture{
		fake:     fake,
		registry: reg,
		events:   events,
		auth:     NewAuthenticator(reg, orchestrator, events, 4, logger.Nop()),
	}
}

func creds(password string) AuthenticateCommand {
	return AuthenticateCommand{Credentials: session.Credentials{Username: vtoptest.Username, Password: password}}
}

func TestAuthenticate_FreshLoginThenReuse(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	first, err := f.auth.Handle(ctx, creds(vtoptest.Password))
	require.NoError(t, err)
	assert.True(t, first.LoggedIn)
	assert.True(t, first.Info.IsNew)
	assert.Equal(t, vtoptest.StudentID, first.Auth.StudentID)
	assert.Equal(t, vtoptest.AuthToken, first.Auth.CSRFToken)

	second, err := f.auth.Handle(ctx, creds(vtoptest.Password))
	require.NoError(t, err)
	assert.False(t, second.LoggedIn)
	assert.False(t, second.Info.IsNew)
	assert.Same(t, first.Session, second.Session)

	assert.Equal(t, 1, f.fake.Submits())
	assert.Len(t, f.events.attempts(), 1)
}

func TestAuthenticate_ConcurrentCallersShareOneLogin(t *testing.T) {
	f := newAuthFixture(t)
	f.fake.Configure(func(p *vtoptest.Portal) { p.LoginDelay = 50 * time.Millisecond })

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*AuthenticateResult, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.auth.Handle(context.Background(), creds(vtoptest.Password))
		}(i)
	}
	wg.Wait()

	loggedIn := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0].Session, results[i].Session)
		assert.Equal(t, vtoptest.StudentID, results[i].Auth.StudentID)
		if results[i].LoggedIn {
			loggedIn++
		}
	}
	assert.Equal(t, 1, loggedIn)
	assert.Equal(t, 1, f.fake.Submits())
	assert.Equal(t, 1, f.fake.Fetches())
}

func TestAuthenticate_ConcurrentCallersShareOneFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.fake.Configure(func(p *vtoptest.Portal) { p.LoginDelay = 50 * time.Millisecond })

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.auth.Handle(context.Background(), creds("wrong"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], shared.ErrCredentials)
	}
	assert.Equal(t, 1, f.fake.Submits(), "waiters must not resubmit a rejected password")
	assert.Equal(t, 1, f.fake.Fetches())
	assert.Len(t, f.events.attempts(), 1)
	assert.Equal(t, 0, f.registry.Len())
}

func TestAuthenticate_WaiterWithOtherPasswordLogsInItself(t *testing.T) {
	f := newAuthFixture(t)
	f.fake.Configure(func(p *vtoptest.Portal) { p.LoginDelay = 30 * time.Millisecond })

	var wg sync.WaitGroup
	var wrongErr, rightErr error
	var right *AuthenticateResult

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, wrongErr = f.auth.Handle(context.Background(), creds("wrong"))
	}()
	go func() {
		defer wg.Done()
		right, rightErr = f.auth.Handle(context.Background(), creds(vtoptest.Password))
	}()
	wg.Wait()

	assert.ErrorIs(t, wrongErr, shared.ErrCredentials)
	require.NoError(t, rightErr)
	assert.Equal(t, vtoptest.StudentID, right.Auth.StudentID)
	assert.Equal(t, 2, f.fake.Submits())
}

func TestAuthenticate_InvalidCredentialsInvalidatesSession(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.auth.Handle(context.Background(), creds("wrong"))
	assert.ErrorIs(t, err, shared.ErrCredentials)
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 1, f.fake.Submits())

	attempts := f.events.attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "invalid_credentials", attempts[0].Outcome)
	assert.Equal(t, registry.Digest(vtoptest.Username), attempts[0].PrincipalDigest)
	assert.NotContains(t, attempts[0].PrincipalDigest, vtoptest.Username)
}

func TestAuthenticate_DifferentPasswordDoesNotReuseSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.auth.Handle(ctx, creds(vtoptest.Password))
	require.NoError(t, err)

	_, err = f.auth.Handle(ctx, creds("guess"))
	assert.ErrorIs(t, err, shared.ErrCredentials)
	assert.Equal(t, 2, f.fake.Submits(), "mismatched password must hit the portal")
	assert.Equal(t, 0, f.registry.Len())

	again, err := f.auth.Handle(ctx, creds(vtoptest.Password))
	require.NoError(t, err)
	assert.True(t, again.LoggedIn)
	assert.True(t, again.Info.IsNew)
}

func TestAuthenticate_Validation(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.auth.Handle(context.Background(), AuthenticateCommand{})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = f.auth.Handle(context.Background(), AuthenticateCommand{
		Credentials: session.Credentials{Username: "has space", Password: "x"},
	})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	assert.Equal(t, 0, f.fake.Fetches())
}

func TestAuthenticate_CredentialsNeverInErrors(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.auth.Handle(context.Background(), creds("s3cret-value"))
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "s3cret-value"))
}
