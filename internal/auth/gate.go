// Package auth recovers operations from expired access tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/omochice/roomlink/internal/metrics"
	"github.com/omochice/roomlink/internal/session"
	"github.com/omochice/roomlink/pkg/protocol"
)

// DefaultRefreshTimeout bounds a single refresh call.
const DefaultRefreshTimeout = 15 * time.Second

const refreshKey = "refresh"

// Attempt issues one operation with the given authorization value.
type Attempt func(ctx context.Context, authorization string) (*protocol.Response, error)

// RefreshFunc obtains a new access token. It must not go through the Gate.
type RefreshFunc func(ctx context.Context) (string, error)

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.logger = l.With().Str("component", "auth").Logger() }
}

// WithMetrics records refresh and replay counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.refreshTimeout = d
		}
	}
}

// Gate wraps outbound operations. An operation that fails with an
// UNAUTHENTICATED error triggers one shared credential refresh and is replayed
// once with the new token, while the session's retry budget lasts.
type Gate struct {
	session        *session.Session
	refresh        RefreshFunc
	group          singleflight.Group
	refreshTimeout time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Metrics
}

// NewGate creates a Gate over s using refresh to renew tokens.
func NewGate(s *session.Session, refresh RefreshFunc, opts ...Option) *Gate {
	g := &Gate{
		session:        s,
		refresh:        refresh,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs attempt with the current credentials.
//
// A transport error from attempt is returned as is. GraphQL errors other than
// authentication failures are left in the response for the caller. An
// authentication failure that cannot be recovered is returned as an error
// wrapping protocol.ErrUnauthenticated or protocol.ErrRefreshCredentialInvalid.
func (g *Gate) Do(ctx context.Context, attempt Attempt) (*protocol.Response, error) {
	token := g.session.AccessToken()
	resp, err := attempt(ctx, session.Bearer(token))
	if err != nil {
		return nil, err
	}
	if resp.RefreshCredentialMissing() {
		g.forceLogout("response")
		return resp, fmt.Errorf("%w: %w", protocol.ErrRefreshCredentialInvalid, resp.Errors)
	}
	if !resp.Unauthenticated() {
		return resp, nil
	}

	current := g.session.AccessToken()
	switch {
	case current != "" && current != token:
		// Another operation already refreshed since this attempt started.
		g.logger.Debug().Msg("replaying with token refreshed concurrently")
	case !g.session.AcquireRetry():
		g.metrics.Surfaced("budget")
		g.logger.Warn().
			Int("retries", g.session.RetryCount()).
			Msg("refresh budget exhausted, surfacing authentication failure")
		if cerr := g.session.Clear(); cerr != nil {
			g.logger.Warn().Err(cerr).Msg("failed to clear session")
		}
		return resp, fmt.Errorf("%w: %w", protocol.ErrUnauthenticated, resp.Errors)
	default:
		current, err = g.refreshShared(ctx, token)
		if err != nil {
			return resp, err
		}
	}

	g.metrics.Replay()
	replay, err := attempt(ctx, session.Bearer(current))
	if err != nil {
		return nil, err
	}
	if replay.RefreshCredentialMissing() {
		g.forceLogout("replay")
		return replay, fmt.Errorf("%w: %w", protocol.ErrRefreshCredentialInvalid, replay.Errors)
	}
	if replay.Unauthenticated() {
		g.metrics.Surfaced("replay")
		return replay, fmt.Errorf("%w: %w", protocol.ErrUnauthenticated, replay.Errors)
	}
	return replay, nil
}

// Refresh renews the access token through the shared refresh, for callers
// that authenticate outside of Do.
func (g *Gate) Refresh(ctx context.Context) (string, error) {
	if !g.session.AcquireRetry() {
		g.metrics.Surfaced("budget")
		return "", fmt.Errorf("%w: refresh budget exhausted", protocol.ErrUnauthenticated)
	}
	return g.refreshShared(ctx, g.session.AccessToken())
}

// refreshShared joins the in-flight refresh or starts one. A flight started
// after the failed token was already replaced returns the current token. The
// refresh itself is detached from ctx so one caller giving up does not fail
// the others.
func (g *Gate) refreshShared(ctx context.Context, failed string) (string, error) {
	ch := g.group.DoChan(refreshKey, func() (any, error) {
		if current := g.session.AccessToken(); current != "" && current != failed {
			return current, nil
		}
		epoch := g.session.Epoch()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.refreshTimeout)
		defer cancel()
		return g.runRefresh(rctx, epoch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", protocol.ErrTransport, ctx.Err())
	}
}

// runRefresh performs the refresh call and applies its outcome to the session
// exactly once per flight. A token arriving after the session was cleared or
// signed in again since epoch is discarded.
func (g *Gate) runRefresh(ctx context.Context, epoch uint64) (string, error) {
	g.logger.Info().Int("attempt", g.session.RetryCount()).Msg("refreshing access token")

	token, err := g.refresh(ctx)
	switch {
	case err == nil && token != "":
		installed, serr := g.session.SetAccessTokenIf(epoch, token)
		if serr != nil {
			g.logger.Warn().Err(serr).Msg("refreshed token not persisted")
		}
		if !installed {
			g.metrics.Refresh("discarded")
			g.logger.Warn().Msg("session changed during refresh, discarding token")
			return "", fmt.Errorf("%w: session changed during refresh", protocol.ErrUnauthenticated)
		}
		g.metrics.Refresh("ok")
		return token, nil
	case err != nil && refreshCredentialInvalid(err):
		g.metrics.Refresh("invalid")
		g.forceLogout("refresh")
		return "", fmt.Errorf("%w: %w", protocol.ErrRefreshCredentialInvalid, err)
	case err != nil && errors.Is(err, protocol.ErrTransport):
		g.metrics.Refresh("error")
		g.metrics.Surfaced("transport")
		g.logger.Warn().Err(err).Msg("refresh failed in transit")
		return "", fmt.Errorf("%w: refresh failed: %w", protocol.ErrUnauthenticated, err)
	}

	if err == nil {
		err = errors.New("refresh returned no token")
	}
	g.metrics.Refresh("rejected")
	g.metrics.Surfaced("rejected")
	g.logger.Warn().Err(err).Msg("refresh rejected, clearing session")
	if cerr := g.session.Clear(); cerr != nil {
		g.logger.Warn().Err(cerr).Msg("failed to clear session")
	}
	return "", fmt.Errorf("%w: refresh rejected: %w", protocol.ErrUnauthenticated, err)
}

func (g *Gate) forceLogout(source string) {
	g.metrics.Surfaced("refresh_credential_invalid")
	g.logger.Warn().Str("source", source).Msg("refresh credential invalid, signing out")
	if err := g.session.Clear(); err != nil {
		g.logger.Warn().Err(err).Msg("failed to clear session")
	}
}

func refreshCredentialInvalid(err error) bool {
	return errors.Is(err, protocol.ErrRefreshCredentialInvalid) ||
		strings.Contains(err.Error(), protocol.RefreshTokenMissingMessage)
}
