// Package oauthgoogle refreshes Google-family OAuth access tokens
// (Gemini, Antigravity) for the probe layer. Obtaining a token in the
// first place (the interactive consent flow) is an explicit Non-goal
// -- this package only ever exchanges a refresh token that
// already exists.
package oauthgoogle

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// googleEndpoint is the Google OAuth refresh endpoint
// (oauth2.googleapis.com/token), declared directly rather than importing
// golang.org/x/oauth2/google to avoid pulling in its unrelated
// metadata-server/appengine dependency chain for a single constant.
var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// refreshQPS/refreshBurst throttle outbound calls to the token endpoint so
// the Gemini and Antigravity probes refreshing concurrently (and any
// retries within a single probe) never look like a token-endpoint abuse
// pattern to Google, adapted from the AltTokenSource
// throttle (gce_token_source.go).
const (
	refreshQPS   = 2.0
	refreshBurst = 3
)

var refreshLimiter = rate.NewLimiter(refreshQPS, refreshBurst)

// wellKnownCloudShellClientID is the fallback OAuth client used when the
// credential-supplied client_id/client_secret is rejected.
const (
	wellKnownCloudShellClientID     = "32555940559.apps.googleusercontent.com"
	wellKnownCloudShellClientSecret = "ZmssLNjJy2998hD4CTg2ejr2"
)

// Refresh exchanges refreshToken for a new access token, trying
// (clientID, clientSecret) first and falling back to the well-known
// Cloud-Shell client on failure.
func Refresh(ctx context.Context, refreshToken, clientID, clientSecret string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	if err := refreshLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	if tok, err := refreshWith(ctx, refreshToken, clientID, clientSecret); err == nil {
		return tok, nil
	}
	if err := refreshLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return refreshWith(ctx, refreshToken, wellKnownCloudShellClientID, wellKnownCloudShellClientSecret)
}

func refreshWith(ctx context.Context, refreshToken, clientID, clientSecret string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     googleEndpoint,
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}
