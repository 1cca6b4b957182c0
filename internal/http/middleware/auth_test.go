package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireUser())
	r.GET("/me", func(c *gin.Context) {
		uid, ok := UserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, uid)
	})
	return r
}

func TestRequireUser_HeaderIdentity(t *testing.T) {
	r := authRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-ID", "  u42  ")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "u42" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestRequireUser_BearerFallback(t *testing.T) {
	r := authRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer sub-abc")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "sub-abc" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestRequireUser_AnonymousRejected(t *testing.T) {
	r := authRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["code"] != "unauthorized" {
		t.Fatalf("body = %v", body)
	}

	// A bare "Bearer " with no subject is still anonymous.
	w2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer ")
	r.ServeHTTP(w2, req)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("empty bearer status = %d", w2.Code)
	}
}

func TestUserID_AbsentAndNonString(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if _, ok := UserID(c); ok {
		t.Fatalf("expected absent identity")
	}
	c.Set(ctxKeyUserID, 42)
	if _, ok := UserID(c); ok {
		t.Fatalf("non-string identity should read as absent")
	}
}
