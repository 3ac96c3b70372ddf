package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rongwang/referral-server/internal/models"
	"github.com/rongwang/referral-server/internal/service"
)

// SessionChecker confirms that the subject of a valid token may still act
type SessionChecker interface {
	CheckSession(ctx context.Context, userID, tokenID string) (*models.User, error)
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Status:  "error",
		Code:    "UNAUTHORIZED",
		Message: message,
	})
}

// AuthMiddleware returns a Gin middleware for authentication. The role seen by
// later handlers is the stored one, not the claim.
func AuthMiddleware(sessions SessionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get the JWT token from the Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Authentication required")
			return
		}

		// Check if the Authorization header starts with "Bearer "
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "Invalid token format")
			return
		}

		// Parse the JWT token
		jwtSecret := c.MustGet("jwtSecret").([]byte)
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			// Validate the signing method
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			abortUnauthorized(c, "Invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			abortUnauthorized(c, "Invalid token claims")
			return
		}

		userID, ok := claims["sub"].(string)
		if !ok || userID == "" {
			abortUnauthorized(c, "Invalid user ID in token")
			return
		}
		tokenID, _ := claims["jti"].(string)
		expiresAt, err := claims.GetExpirationTime()
		if err != nil || expiresAt == nil {
			abortUnauthorized(c, "Invalid token expiry")
			return
		}

		user, err := sessions.CheckSession(c.Request.Context(), userID, tokenID)
		if err != nil {
			if errors.Is(err, service.ErrUnauthorized) {
				abortUnauthorized(c, err.Error())
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{
				Status:  "error",
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			})
			return
		}

		c.Set("userId", user.ID)
		c.Set("userRole", string(user.Role))
		c.Set("tokenId", tokenID)
		c.Set("tokenExpiresAt", expiresAt.Time)
		c.Next()
	}
}

// AdminMiddleware rejects callers whose stored role is not admin. It must run
// after AuthMiddleware.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("userRole")
		if !exists {
			abortUnauthorized(c, "Authentication required")
			return
		}
		if role != string(models.RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
				Status:  "error",
				Code:    "FORBIDDEN",
				Message: "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// SecretMiddleware exposes the JWT secret to AuthMiddleware
func SecretMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		c.Set("jwtSecret", key)
		c.Next()
	}
}

// SetupCORS allows the configured origins, or every origin for "*"
func SetupCORS(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-Requested-With",
	}
	corsConfig.MaxAge = 12 * time.Hour
	return cors.New(corsConfig)
}
