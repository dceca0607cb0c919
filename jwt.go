package reconcile

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims the engine cares about from the platform jwt. The token is issued
// and verified elsewhere; the engine only scopes durable state per user.
type ByJwt struct {
	UserId string
	Email  string
}

func ParseByJwtUnverified(byJwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	parsed := &ByJwt{}

	if userId, ok := claims["user_id"].(string); ok {
		parsed.UserId = userId
	} else if sub, ok := claims["sub"].(string); ok {
		parsed.UserId = sub
	}
	if email, ok := claims["email"].(string); ok {
		parsed.Email = email
	}

	if parsed.UserId == "" {
		return nil, errors.New("jwt has no user id")
	}

	return parsed, nil
}
