// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vtop-hub/vtop-gateway/internal/application/command"
	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
)

// Authenticator hands out authenticated sessions.
type Authenticator interface {
	Handle(ctx context.Context, cmd command.AuthenticateCommand) (*command.AuthenticateResult, error)
	Invalidate(p session.Principal)
}

// maxParallelFetches bounds concurrent page loads per request.
const maxParallelFetches = 4

// pageRequest is one authenticated page load plus the extractor applied to it.
type pageRequest struct {
	path    string
	params  url.Values
	extract func(body []byte) error
}

// fetchPages loads every page concurrently through the session's client. The first
// failure cancels the rest.
func fetchPages(ctx context.Context, auth *command.AuthenticateResult, pages []pageRequest) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)

	client := auth.Session.Client()
	for _, p := range pages {
		g.Go(func() error {
			body, err := client.SubmitAuthenticatedRequest(ctx, auth.Auth, p.path, p.params)
			if err != nil {
				return err
			}
			return p.extract(body)
		})
	}
	return g.Wait()
}

// SessionInfo is the session block returned with every response.
type SessionInfo struct {
	IsNewSession bool
	Created      time.Time
	LastUsed     time.Time
	ExpiresIn    time.Duration
}

func sessionInfo(info session.Info, now time.Time) SessionInfo {
	return SessionInfo{
		IsNewSession: info.IsNew,
		Created:      info.CreatedAt,
		LastUsed:     info.LastUsedAt,
		ExpiresIn:    info.ExpiresIn(now),
	}
}
