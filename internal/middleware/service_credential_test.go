package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cred := NewServiceCredential(apiKey)
	r.GET("/protected", cred.Require(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"owner_id": OwnerID(c)})
	})
	return r
}

func TestServiceCredential_RejectsMissingKey(t *testing.T) {
	r := newTestRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-Owner-Id", "owner-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestServiceCredential_RejectsWrongKey(t *testing.T) {
	r := newTestRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-Service-Key", "wrong")
	req.Header.Set("X-Owner-Id", "owner-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestServiceCredential_RejectsMissingOwner(t *testing.T) {
	r := newTestRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-Service-Key", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestServiceCredential_AllowsValidRequest(t *testing.T) {
	r := newTestRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-Service-Key", "secret")
	req.Header.Set("X-Owner-Id", "owner-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "owner-1") {
		t.Errorf("expected body to echo owner-1, got %s", w.Body.String())
	}
}
