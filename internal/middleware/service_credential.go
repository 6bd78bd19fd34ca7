package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServiceCredential is Gin middleware guarding the upload-core ingress
// with a shared service secret plus a caller-supplied owner id, in place
// of the teacher's JWT/tenant extraction (GinJWTAuth.RequireAuth):
// identity establishment is out of scope here (spec.md section 4.1), so
// the header carries the owner id directly rather than a claim inside a
// signed token.
type ServiceCredential struct {
	apiKey string
}

func NewServiceCredential(apiKey string) *ServiceCredential {
	return &ServiceCredential{apiKey: apiKey}
}

const (
	headerServiceKey = "X-Service-Key"
	headerOwnerID    = "X-Owner-Id"
)

// Require rejects requests missing or presenting the wrong service key,
// or missing an owner id, and stores the owner id in the Gin context for
// handlers to read back with OwnerID(c).
func (s *ServiceCredential) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(headerServiceKey)
		if key == "" || key != s.apiKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid service credential"})
			c.Abort()
			return
		}

		ownerID := c.GetHeader(headerOwnerID)
		if ownerID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing owner id"})
			c.Abort()
			return
		}

		c.Set("owner_id", ownerID)
		c.Next()
	}
}

// OwnerID reads back the owner id a successful Require() call stored.
func OwnerID(c *gin.Context) string {
	v, _ := c.Get("owner_id")
	ownerID, _ := v.(string)
	return ownerID
}
