package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2/middleware/cors"
)

func CORSConfig(origins []string) cors.Config {
	allow := strings.Join(origins, ",")
	if allow == "" {
		allow = "*"
	}
	return cors.Config{
		AllowOrigins: allow,
		AllowMethods: "POST,GET,DELETE,PUT,OPTIONS",
		AllowHeaders: "Content-Type,Cache-Control,Pragma,Authorization,X-Admin-Key",
	}
}
