package middleware

import (
	"hanbok-fusion/app/auth"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey = "user_id"
	emailKey  = "email"
)

// JWTAuth JWT认证中间件
func JWTAuth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		authenticate(c, verifier, token)
	}
}

// StreamAuth SSE 认证中间件，EventSource 无法设置请求头，允许通过 token 查询参数传递令牌
func StreamAuth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		authenticate(c, verifier, token)
	}
}

func authenticate(c *gin.Context, verifier auth.Verifier, token string) {
	identity, err := verifier.Verify(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	// 将用户信息存储到上下文中
	c.Set(userIDKey, identity.UserID)
	c.Set(emailKey, identity.Email)
	c.Next()
}

// bearerToken 检查Bearer前缀
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// CurrentUserID 当前请求的用户ID，必须在认证中间件之后使用
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
