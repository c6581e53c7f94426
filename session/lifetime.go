package session

import (
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLifetime is how long an access token is trusted after it is issued.
const DefaultTokenLifetime = time.Hour

const claimSkewTolerance = time.Minute

// Lifetime computes the local expiry of a freshly issued access token.
//
// The expiry is always issue time plus Duration. When the token is a JWT
// carrying an exp claim that disagrees with that by more than a minute, a
// warning is logged; with TrustTokenExpiry set the earlier of the two wins.
type Lifetime struct {
	Duration         time.Duration
	TrustTokenExpiry bool
	Logger           *slog.Logger
}

func (l Lifetime) ExpiresAt(issuedAt time.Time, accessToken string) time.Time {
	d := l.Duration
	if d <= 0 {
		d = DefaultTokenLifetime
	}
	expiresAt := issuedAt.Add(d)

	claimed, ok := tokenExpiry(accessToken)
	if !ok {
		return expiresAt
	}

	if skew := expiresAt.Sub(claimed).Abs(); skew > claimSkewTolerance {
		l.logger().Warn("token exp claim disagrees with configured lifetime",
			slog.Time("configured", expiresAt),
			slog.Time("claimed", claimed),
			slog.Bool("trust_claim", l.TrustTokenExpiry),
		)
	}
	if l.TrustTokenExpiry && claimed.Before(expiresAt) {
		return claimed
	}
	return expiresAt
}

func (l Lifetime) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// tokenExpiry reads the exp claim without verifying the signature; the value
// is only compared against the local formula, never trusted for access.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
