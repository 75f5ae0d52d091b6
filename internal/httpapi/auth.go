package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const operatorContextKey = "operator_subject"

// adminAuthMiddleware gates the administrative endpoints behind an HS256
// bearer token. The verified subject claim identifies the operator in the
// grant audit trail.
func adminAuthMiddleware(cfg Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token, err := bearerToken(ctx.GetHeader("Authorization"))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
			return
		}
		subject, err := verifyAdminToken(token, cfg)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(operatorContextKey, subject)
		ctx.Next()
	}
}

func bearerToken(header string) (string, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	return strings.TrimSpace(token), nil
}

func verifyAdminToken(token string, cfg Config) (string, error) {
	parsed, err := jwt.Parse(token,
		func(parsed *jwt.Token) (any, error) {
			return []byte(cfg.AdminJWTKey), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(cfg.AdminJWTIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return subject, nil
}

func operatorSubject(ctx *gin.Context) string {
	return ctx.GetString(operatorContextKey)
}
