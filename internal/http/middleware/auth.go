// README: Bearer token auth; resolves the caller's role and numeric actor id from token claims.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tomo/internal/infra"
	"tomo/internal/modules/order"
	"tomo/internal/types"
)

const (
	ctxUID     = "auth.uid"
	ctxRole    = "auth.role"
	ctxActorID = "auth.actor_id"
)

func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "missing bearer token"})
			return
		}
		tok, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || tok == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "invalid token"})
			return
		}
		c.Set(ctxUID, tok.UID)
		role, _ := tok.Claims["role"].(string)
		c.Set(ctxRole, role)
		c.Set(ctxActorID, actorID(tok))
		c.Next()
	}
}

// actorID reads the numeric "actor_id" claim, falling back to a numeric uid.
func actorID(tok *infra.FirebaseToken) types.ID {
	switch v := tok.Claims["actor_id"].(type) {
	case float64:
		return types.ID(v)
	case int64:
		return types.ID(v)
	case int:
		return types.ID(v)
	case string:
		if id, err := types.ParseID(v); err == nil {
			return id
		}
	}
	if n, err := strconv.ParseInt(tok.UID, 10, 64); err == nil && n > 0 {
		return types.ID(n)
	}
	return 0
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// CallerActor returns the authenticated actor. Tokens without a role claim
// are customers.
func CallerActor(c *gin.Context) order.Actor {
	role := order.Role(CallerRole(c))
	if role == "" {
		role = order.RoleCustomer
	}
	id, _ := c.Get(ctxActorID)
	actorID, _ := id.(types.ID)
	return order.Actor{Role: role, ID: actorID}
}

// RequireRole rejects callers whose role is not listed, or who carry no
// actor id.
func RequireRole(roles ...order.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := CallerActor(c)
		for _, r := range roles {
			if a.Role == r && a.ID != 0 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN_FOR_ACTOR", "message": "role not permitted"})
	}
}
