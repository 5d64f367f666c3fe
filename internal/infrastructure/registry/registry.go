// Package registry is the process-wide cache of portal sessions keyed by principal.
//
// The registry mutex guards the session map and every session's lastUsedAt. Each session
// also carries a login lock that serializes authentication for its principal; the auth
// context and password hash are only read or written while that lock is held.
package registry

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/blake2b"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

// Session is one principal's portal client plus its cached authentication.
type Session struct {
	principal session.Principal
	digest    string
	client    *vtop.Client
	createdAt time.Time

	// login is a one-slot semaphore so waiters can give up with their context.
	login chan struct{}

	// Guarded by login.
	auth         *session.AuthContext
	passwordHash []byte
	failure      error
	failureHash  []byte

	// Guarded by Registry.mu.
	lastUsedAt time.Time
}

// Principal returns the session key.
func (s *Session) Principal() session.Principal { return s.principal }

// Digest returns the loggable principal digest.
func (s *Session) Digest() string { return s.digest }

// Client returns the session's portal client.
func (s *Session) Client() *vtop.Client { return s.client }

// CreatedAt returns when the session was allocated.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LockLogin acquires the login lock or returns the context error.
func (s *Session) LockLogin(ctx context.Context) error {
	select {
	case s.login <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLockLogin acquires the login lock only if it is free.
func (s *Session) TryLockLogin() bool {
	select {
	case s.login <- struct{}{}:
		return true
	default:
		return false
	}
}

// UnlockLogin releases the login lock.
func (s *Session) UnlockLogin() {
	<-s.login
}

// Auth returns the cached auth context. Login lock required.
func (s *Session) Auth() *session.AuthContext {
	return s.auth
}

// Authenticated reports whether the session holds a usable auth context. Login lock required.
func (s *Session) Authenticated() bool {
	return s.auth.IsValid()
}

// PasswordMatches reports whether password produced the cached auth context. Login lock required.
func (s *Session) PasswordMatches(password string) bool {
	if len(s.passwordHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) == nil
}

// SetAuth stores a fresh auth context bound to a password hash. Login lock required.
func (s *Session) SetAuth(auth *session.AuthContext, passwordHash []byte) {
	s.auth = auth
	s.passwordHash = passwordHash
}

// ClearAuth drops the auth context and the portal cookies. Login lock required.
func (s *Session) ClearAuth() error {
	s.auth = nil
	s.passwordHash = nil
	return s.client.ResetCookies()
}

// Fail records why the login on this session failed, bound to the password that was tried,
// so callers still queued on the login lock can return it instead of logging in again.
// Login lock required.
func (s *Session) Fail(err error, passwordHash []byte) {
	s.failure = err
	s.failureHash = passwordHash
}

// Failure returns the recorded login error when password is the one that produced it.
// Login lock required.
func (s *Session) Failure(password string) error {
	if s.failure == nil || len(s.failureHash) == 0 {
		return nil
	}
	if bcrypt.CompareHashAndPassword(s.failureHash, []byte(password)) != nil {
		return nil
	}
	return s.failure
}

// HashPassword hashes a password for SetAuth.
func HashPassword(password string, cost int) ([]byte, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// Digest returns a short, stable, non-reversible identifier for a principal, used in logs,
// audit rows and cache keys.
func Digest(p session.Principal) string {
	sum := blake2b.Sum256([]byte(p))
	return hex.EncodeToString(sum[:8])
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// ClientFactory allocates a portal client with an empty cookie store.
type ClientFactory interface {
	NewClient() (*vtop.Client, error)
}

// Registry maps principals to sessions with idle-timeout eviction.
type Registry struct {
	factory ClientFactory
	idle    time.Duration
	now     func() time.Time
	logger  *logger.Logger
	onEnd   EndFunc

	mu       sync.Mutex
	sessions map[session.Principal]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// EndFunc observes sessions leaving the registry. It runs outside the registry lock.
type EndFunc func(digest string, reason session.EndReason, lifetime time.Duration)

// WithOnEnd registers fn to be called once per removed session.
func WithOnEnd(fn EndFunc) Option {
	return func(r *Registry) { r.onEnd = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(factory ClientFactory, idle time.Duration, opts ...Option) *Registry {
	r := &Registry{
		factory:  factory,
		idle:     idle,
		now:      time.Now,
		logger:   logger.Nop(),
		sessions: make(map[session.Principal]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logger.Component("session-registry"))
	return r
}

// IdleTimeout returns the eviction threshold.
func (r *Registry) IdleTimeout() time.Duration { return r.idle }

// GetOrCreate returns the live session for p, allocating one if there is none or the
// existing one is idle past the timeout and not mid-login. Either way lastUsedAt is refreshed.
func (r *Registry) GetOrCreate(p session.Principal) (*Session, bool, error) {
	var ended *Session
	s, isNew, err := r.getOrCreate(p, &ended)
	if ended != nil {
		r.ended(ended, session.EndReplaced)
	}
	return s, isNew, err
}

func (r *Registry) getOrCreate(p session.Principal, ended **Session) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.sessions[p]; ok {
		if !session.Expired(s.lastUsedAt, now, r.idle) {
			s.lastUsedAt = now
			return s, false, nil
		}
		if !s.TryLockLogin() {
			s.lastUsedAt = now
			return s, false, nil
		}
		delete(r.sessions, p)
		s.UnlockLogin()
		*ended = s
		r.logger.Debug("expired session replaced", logger.Principal(s.digest))
	}

	client, err := r.factory.NewClient()
	if err != nil {
		return nil, false, err
	}

	s := &Session{
		principal:  p,
		digest:     Digest(p),
		client:     client,
		createdAt:  now,
		lastUsedAt: now,
		login:      make(chan struct{}, 1),
	}
	r.sessions[p] = s
	return s, true, nil
}

// MarkUsed refreshes the idle timer of p's session.
func (r *Registry) MarkUsed(p session.Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[p]; ok {
		s.lastUsedAt = r.now()
	}
}

// Invalidate removes p's session.
func (r *Registry) Invalidate(p session.Principal) {
	r.mu.Lock()
	s, ok := r.sessions[p]
	if ok {
		delete(r.sessions, p)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("session invalidated", logger.Principal(s.digest))
		r.ended(s, session.EndInvalidated)
	}
}

// Owns reports whether s is still the registered session for its principal.
func (r *Registry) Owns(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.principal] == s
}

// Sweep evicts every session idle past the timeout at now. Sessions whose login lock is
// held are skipped and reconsidered on the next sweep.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var evicted []*Session
	for p, s := range r.sessions {
		if !session.Expired(s.lastUsedAt, now, r.idle) {
			continue
		}
		if !s.TryLockLogin() {
			continue
		}
		delete(r.sessions, p)
		s.UnlockLogin()
		evicted = append(evicted, s)
	}
	r.mu.Unlock()

	for _, s := range evicted {
		r.ended(s, session.EndExpired)
	}
	return len(evicted)
}

func (r *Registry) ended(s *Session, reason session.EndReason) {
	if r.onEnd != nil {
		r.onEnd(s.digest, reason, r.now().Sub(s.createdAt))
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Info snapshots s for API responses.
func (r *Registry) Info(s *Session, isNew bool) session.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return session.Info{
		Principal:   s.principal,
		IsNew:       isNew,
		CreatedAt:   s.createdAt,
		LastUsedAt:  s.lastUsedAt,
		IdleTimeout: r.idle,
	}
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}
