package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/wayjake/innbox/utils"
)

// LocalAccountID is the fiber.Ctx local holding the authenticated account
const LocalAccountID = "accountId"

var errMissingToken = errors.New("missing bearer token")

// RequireAccount verifies an HS256 bearer token and stores its subject as
// the account id. Browsers cannot set headers on EventSource or WebSocket
// requests, so a "token" query parameter is accepted too.
func RequireAccount(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := bearerToken(c)
		if raw == "" {
			return utils.UnauthorizedError("Authentication required", errMissingToken)
		}

		accountID, err := ParseAccountToken(secret, raw)
		if err != nil {
			return utils.UnauthorizedError("Invalid token", err)
		}

		c.Locals(LocalAccountID, accountID)
		return c.Next()
	}
}

// AccountID returns the account set by RequireAccount
func AccountID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalAccountID).(string)
	return id
}

// ParseAccountToken validates token and returns its subject
func ParseAccountToken(secret, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// SignAccountToken issues a token for accountID. Used by tests and tooling;
// production tokens come from the session service.
func SignAccountToken(secret, accountID string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = accountID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(c *fiber.Ctx) string {
	if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return ""
	}
	return c.Query("token")
}
