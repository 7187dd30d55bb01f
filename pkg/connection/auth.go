package connection

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crmsync/crmsync/pkg/constants"
)

// checkToken refuses JWTs whose exp claim has passed. The signature is not
// verified; the server does that. Opaque (non-JWT) tokens are accepted as is.
func checkToken(token string, now time.Time) error {
	if token == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.After(now) {
		return fmt.Errorf("%w: expired at %s", constants.ErrTokenExpired, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
