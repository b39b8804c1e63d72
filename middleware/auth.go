package middleware

import (
	"strings"

	"staffsync/config"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func extractToken(c *fiber.Ctx) (string, error) {
	auth := c.Get("Authorization")
	if auth == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "No token provided")
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "Invalid token format")
	}

	return parts[1], nil
}

func authenticate(c *fiber.Ctx) error {
	token, err := extractToken(c)
	if err != nil {
		return err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(config.AppConfig.JWTSecret), nil
	})

	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "Invalid or expired token")
	}

	c.Locals("user_id", claims["user_id"])
	c.Locals("role", claims["role"])

	return nil
}

// RequireMonitor gates the read-only ops surface. Admins can read too.
func RequireMonitor(c *fiber.Ctx) error {
	if err := authenticate(c); err != nil {
		return err
	}

	role, _ := c.Locals("role").(string)
	if role != "monitor" && role != "admin" {
		return c.Status(403).JSON(fiber.Map{
			"error": "Monitor access required",
		})
	}

	return c.Next()
}

// RequireAdmin gates repair actions (requeue, release-stuck, rescan).
func RequireAdmin(c *fiber.Ctx) error {
	if err := authenticate(c); err != nil {
		return err
	}

	if role, _ := c.Locals("role").(string); role != "admin" {
		return c.Status(403).JSON(fiber.Map{
			"error": "Admin access required",
		})
	}

	return c.Next()
}
