package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	localUserID = "user_id"
	localRole   = "role"

	// RoleAdmin may adjust balances and browse every withdrawal.
	RoleAdmin = "admin"
)

// Claims is the access token payload issued by the identity service. The
// subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// JWTAuth validates HS256 bearer tokens and stores the caller in locals.
func JWTAuth(secret string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if claims.Subject == "" {
			return fiber.NewError(http.StatusUnauthorized, "token has no subject")
		}

		c.Locals(localUserID, claims.Subject)
		c.Locals(localRole, claims.Role)
		return c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. Must run after JWTAuth.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, ok := PrincipalFrom(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "unauthenticated")
		}
		if !p.IsAdmin() {
			return fiber.NewError(http.StatusForbidden, "admin role required")
		}
		return c.Next()
	}
}

// PrincipalFrom returns the caller stored by JWTAuth.
func PrincipalFrom(c *fiber.Ctx) (Principal, bool) {
	uid, _ := c.Locals(localUserID).(string)
	if uid == "" {
		return Principal{}, false
	}
	role, _ := c.Locals(localRole).(string)
	return Principal{UserID: uid, Role: role}, true
}

// IssueToken signs an access token. Used by tests and local tooling; production
// tokens come from the identity service.
func IssueToken(secret, userID, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
