// Package token guards dispatch against expired CMS access tokens.
//
// TokenState is a pure value: a refresh produces a new state, never a
// mutation of the old one. The Guard is the single writer of the current
// state for its client; it checks expiry (with a configurable buffer) before
// every dispatch and delegates renewal to an injected Refresher — it never
// lets a request leave with a token known to be expired.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// State holds one access/refresh token pair.
type State struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Expiry returns the effective expiry of the access token. When ExpiresAt
// was not supplied by the token endpoint, it falls back to the unverified
// "exp" claim of the access token (CMS tokens are JWTs). A zero return
// means the expiry is unknown and the token is treated as valid.
func (s State) Expiry() time.Time {
	if !s.ExpiresAt.IsZero() {
		return s.ExpiresAt
	}
	return jwtExpiry(s.AccessToken)
}

// ExpiredAt reports whether the token is expired (or inside the buffer
// window) at the given instant.
func (s State) ExpiredAt(now time.Time, buffer time.Duration) bool {
	exp := s.Expiry()
	if exp.IsZero() {
		return false
	}
	return !now.Add(buffer).Before(exp)
}

// jwtExpiry extracts the exp claim without verifying the signature. The
// guard only needs the timestamp; authenticity is the remote API's problem.
func jwtExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Refresher exchanges a refresh token for a fresh State. It is the external
// auth collaborator; the guard calls it at most once per dispatch.
type Refresher interface {
	Refresh(ctx context.Context, current State) (State, error)
}

// AuthError is terminal: the guarded call is never attempted after one
// failed refresh.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("token: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Options configures a Guard.
type Options struct {
	// Buffer is subtracted from the token expiry when checking validity,
	// so a refresh happens before the token actually lapses. Default: 5m.
	Buffer time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Buffer <= 0 {
		o.Buffer = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Guard owns the current token state for one client.
type Guard struct {
	refresher Refresher
	opts      Options
	now       func() time.Time

	state State // single writer: EnsureValid
}

// NewGuard creates a Guard seeded with an initial state. refresher may be
// nil, in which case an expired token is an immediate AuthError.
func NewGuard(initial State, refresher Refresher, opts Options) *Guard {
	opts.defaults()
	return &Guard{state: initial, refresher: refresher, opts: opts, now: time.Now}
}

// Token returns the current state.
func (g *Guard) Token() State { return g.state }

// EnsureValid returns a token safe to dispatch with. If the current token is
// expired (within the buffer), it attempts exactly one refresh; a failed
// refresh yields *AuthError and the caller must not dispatch.
func (g *Guard) EnsureValid(ctx context.Context) (State, error) {
	now := g.now()
	if g.state.AccessToken == "" {
		return State{}, &AuthError{Reason: "no access token"}
	}
	if !g.state.ExpiredAt(now, g.opts.Buffer) {
		return g.state, nil
	}

	if g.refresher == nil {
		return State{}, &AuthError{Reason: "token expired and no refresher configured"}
	}

	g.opts.Logger.Info("token: access token expired, refreshing",
		"expires_at", g.state.Expiry().UTC().Format(time.RFC3339))

	fresh, err := g.refresher.Refresh(ctx, g.state)
	if err != nil {
		return State{}, &AuthError{Reason: "refresh failed", Cause: err}
	}
	if fresh.AccessToken == "" {
		return State{}, &AuthError{Reason: "refresh returned empty access token"}
	}
	if fresh.RefreshToken == "" {
		// Token endpoints may omit the refresh token on rotation; keep ours.
		fresh.RefreshToken = g.state.RefreshToken
	}
	g.state = fresh
	return fresh, nil
}

// OAuthRefresher implements Refresher over a standard OAuth2 token endpoint
// using the refresh-token grant.
type OAuthRefresher struct {
	conf *oauth2.Config
}

// NewOAuthRefresher builds a refresher for the CMS token endpoint.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string, scopes []string) *OAuthRefresher {
	return &OAuthRefresher{conf: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}}
}

// Refresh exchanges the refresh token for a new pair.
func (r *OAuthRefresher) Refresh(ctx context.Context, current State) (State, error) {
	src := r.conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: current.RefreshToken,
		// Expiry in the past forces TokenSource to hit the endpoint.
		Expiry: time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return State{}, fmt.Errorf("token: oauth refresh: %w", err)
	}
	return State{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       current.Scopes,
	}, nil
}
