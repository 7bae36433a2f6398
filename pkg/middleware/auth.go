package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AdminConfig struct {
	Key       string
	JWTSecret string
}

// Open reports whether no admin credential is configured.
func (a AdminConfig) Open() bool {
	return a.Key == "" && a.JWTSecret == ""
}

// AdminMiddleware accepts either X-Admin-Key matching Key or an HS256
// bearer token signed with JWTSecret. With neither configured every request
// passes.
func AdminMiddleware(cfg AdminConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Open() {
			return c.Next()
		}

		if cfg.Key != "" {
			if key := c.Get("X-Admin-Key"); key != "" &&
				subtle.ConstantTimeCompare([]byte(key), []byte(cfg.Key)) == 1 {
				return c.Next()
			}
		}

		if cfg.JWTSecret != "" {
			auth := c.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") && validAdminToken(auth[7:], cfg.JWTSecret) {
				return c.Next()
			}
		}

		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"message": "Admin credentials required"})
	}
}

func validAdminToken(tokenStr, secret string) bool {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil && token.Valid
}
