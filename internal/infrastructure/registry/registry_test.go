package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type failingFactory struct{}

func (failingFactory) NewClient() (*vtop.Client, error) { return nil, errors.New("no jar") }

func newRegistry(t *testing.T, idle time.Duration) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	portal := vtop.NewPortal(vtop.DefaultClientConfig("http://portal.invalid"), logger.Nop())
	return New(portal, idle, WithClock(clock.Now), WithLogger(logger.Nop())), clock
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r, clock := newRegistry(t, 10*time.Minute)

	s1, isNew, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, session.Principal("alice"), s1.Principal())
	assert.NotNil(t, s1.Client())

	clock.Advance(time.Minute)
	s2, isNew, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, s1, s2)

	s3, isNew, err := r.GetOrCreate("bob")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_GetOrCreateReplacesExpired(t *testing.T) {
	r, clock := newRegistry(t, 10*time.Minute)

	s1, _, err := r.GetOrCreate("alice")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	s2, isNew, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotSame(t, s1, s2)
	assert.False(t, r.Owns(s1))
	assert.True(t, r.Owns(s2))
}

func TestRegistry_FactoryError(t *testing.T) {
	r := New(failingFactory{}, time.Minute)
	_, _, err := r.GetOrCreate("alice")
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SweepEvictsIdleSessions(t *testing.T) {
	r, clock := newRegistry(t, 10*time.Minute)

	_, _, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	_, _, err = r.GetOrCreate("bob")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	r.MarkUsed("bob")

	assert.Equal(t, 0, r.Sweep(clock.Now()), "nothing idle yet")

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, r.Sweep(clock.Now()), "alice idle 11m, bob idle 6m")
	assert.Equal(t, 1, r.Len())

	_, isNew, err := r.GetOrCreate("bob")
	require.NoError(t, err)
	assert.False(t, isNew, "MarkUsed must have kept bob alive")
}

func TestRegistry_SweepSkipsSessionsMidLogin(t *testing.T) {
	r, clock := newRegistry(t, time.Minute)

	s, _, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	require.NoError(t, s.LockLogin(context.Background()))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, r.Sweep(clock.Now()))
	assert.True(t, r.Owns(s))

	s.UnlockLogin()
	assert.Equal(t, 1, r.Sweep(clock.Now()))
	assert.False(t, r.Owns(s))
}

func TestRegistry_Invalidate(t *testing.T) {
	r, _ := newRegistry(t, time.Minute)

	s, _, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	r.Invalidate("alice")
	r.Invalidate("nobody")
	assert.False(t, r.Owns(s))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_OnEndReportsEveryRemoval(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	portal := vtop.NewPortal(vtop.DefaultClientConfig("http://portal.invalid"), logger.Nop())

	type end struct {
		digest   string
		reason   session.EndReason
		lifetime time.Duration
	}
	var (
		ends []end
		r    *Registry
	)
	r = New(portal, 10*time.Minute, WithClock(clock.Now), WithOnEnd(func(d string, reason session.EndReason, lifetime time.Duration) {
		// Must not deadlock: the callback runs outside the registry lock.
		_ = r.Len()
		ends = append(ends, end{d, reason, lifetime})
	}))

	_, _, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	_, _, err = r.GetOrCreate("bob")
	require.NoError(t, err)
	_, _, err = r.GetOrCreate("carol")
	require.NoError(t, err)

	r.Invalidate("alice")

	clock.Advance(11 * time.Minute)
	_, isNew, err := r.GetOrCreate("bob")
	require.NoError(t, err)
	require.True(t, isNew)

	assert.Equal(t, 1, r.Sweep(clock.Now()), "only carol is idle")

	require.Len(t, ends, 3)
	assert.Equal(t, end{Digest("alice"), session.EndInvalidated, 0}, ends[0])
	assert.Equal(t, end{Digest("bob"), session.EndReplaced, 11 * time.Minute}, ends[1])
	assert.Equal(t, end{Digest("carol"), session.EndExpired, 11 * time.Minute}, ends[2])
}

func TestRegistry_Info(t *testing.T) {
	r, clock := newRegistry(t, 10*time.Minute)

	s, isNew, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)

	info := r.Info(s, isNew)
	assert.True(t, info.IsNew)
	assert.Equal(t, 6*time.Minute, info.ExpiresIn(clock.Now()))
	assert.Equal(t, time.Duration(0), info.ExpiresIn(clock.Now().Add(time.Hour)))
}

func TestSession_LoginLock(t *testing.T) {
	r, _ := newRegistry(t, time.Minute)
	s, _, err := r.GetOrCreate("alice")
	require.NoError(t, err)

	require.True(t, s.TryLockLogin())
	assert.False(t, s.TryLockLogin())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.LockLogin(ctx), context.DeadlineExceeded)

	s.UnlockLogin()
	require.NoError(t, s.LockLogin(context.Background()))
	s.UnlockLogin()
}

func TestSession_AuthBinding(t *testing.T) {
	r, _ := newRegistry(t, time.Minute)
	s, _, err := r.GetOrCreate("alice")
	require.NoError(t, err)

	assert.False(t, s.Authenticated())
	assert.False(t, s.PasswordMatches("secret"))

	hash, err := HashPassword("secret", 4)
	require.NoError(t, err)
	s.SetAuth(&session.AuthContext{StudentID: "S1", CSRFToken: "T1"}, hash)

	assert.True(t, s.Authenticated())
	assert.True(t, s.PasswordMatches("secret"))
	assert.False(t, s.PasswordMatches("other"))

	require.NoError(t, s.ClearAuth())
	assert.False(t, s.Authenticated())
	assert.Nil(t, s.Auth())
}

func TestSession_FailureBinding(t *testing.T) {
	r, _ := newRegistry(t, time.Minute)
	s, _, err := r.GetOrCreate("alice")
	require.NoError(t, err)

	assert.NoError(t, s.Failure("wrong"))

	rejected := errors.New("rejected")
	hash, err := HashPassword("wrong", 4)
	require.NoError(t, err)
	s.Fail(rejected, hash)

	assert.Same(t, rejected, s.Failure("wrong"))
	assert.NoError(t, s.Failure("right"))
}

func TestDigest(t *testing.T) {
	a := Digest("alice")
	assert.Len(t, a, 16)
	assert.Equal(t, a, Digest("alice"))
	assert.NotEqual(t, a, Digest("bob"))
	assert.NotContains(t, a, "alice")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r, clock := newRegistry(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := session.Principal([]string{"a", "b", "c"}[i%3])
			_, _, err := r.GetOrCreate(p)
			assert.NoError(t, err)
			r.MarkUsed(p)
			r.Sweep(clock.Now())
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, r.Len())
}
