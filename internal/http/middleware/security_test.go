package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func secRouter(opt SecurityOptions, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for _, h := range pre {
		r.Use(h)
	}
	r.Use(SecurityHeaders(opt))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	r := secRouter(SecurityOptions{}, func(c *gin.Context) {
		c.Header("X-Request-ID", "rid-123")
		c.Next()
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	h := w.Header()
	if h.Get("X-Content-Type-Options") != "nosniff" ||
		h.Get("X-Frame-Options") != "DENY" ||
		h.Get("Referrer-Policy") != "no-referrer" {
		t.Fatalf("baseline headers missing: %#v", h)
	}
	if h.Get("Permissions-Policy") != "" || h.Get("Cache-Control") != "" {
		t.Fatalf("unexpected optional headers: %#v", h)
	}
	if h.Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS emitted over plain HTTP: %#v", h)
	}
	if h.Get("Access-Control-Expose-Headers") != "X-Request-ID" {
		t.Fatalf("expected X-Request-ID exposed, got %q", h.Get("Access-Control-Expose-Headers"))
	}
}

func TestSecurityHeaders_ExposeHeaderAppendsWithoutDuplicating(t *testing.T) {
	r := secRouter(SecurityOptions{}, func(c *gin.Context) {
		c.Header("X-Request-ID", "rid-abc")
		c.Header("Access-Control-Expose-Headers", "Foo")
		c.Next()
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "Foo, X-Request-ID" {
		t.Fatalf("expected 'Foo, X-Request-ID', got %q", got)
	}

	r = secRouter(SecurityOptions{}, func(c *gin.Context) {
		c.Header("X-Request-ID", "rid-xyz")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID, Foo")
		c.Next()
	})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-ID, Foo" {
		t.Fatalf("expected unchanged expose header, got %q", got)
	}
}

func TestSecurityHeaders_PolicyNoStoreAndHSTSOverTLS(t *testing.T) {
	r := secRouter(SecurityOptions{
		EnableHSTS:   true,
		HSTSMaxAge:   24 * time.Hour,
		NoStore:      true,
		EnablePolicy: true,
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.TLS = &tls.ConnectionState{}
	r.ServeHTTP(w, req)

	h := w.Header()
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("missing policy headers: %#v", h)
	}
	if h.Get("Cache-Control") != "no-store" || h.Get("Pragma") != "no-cache" || h.Get("Expires") != "0" {
		t.Fatalf("missing cache headers: %#v", h)
	}
	want := "max-age=86400; includeSubDomains; preload"
	if h.Get("Strict-Transport-Security") != want {
		t.Fatalf("expected HSTS %q, got %q", want, h.Get("Strict-Transport-Security"))
	}
}

func TestSecurityHeaders_HSTSViaForwardedProto(t *testing.T) {
	r := secRouter(SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); !strings.HasPrefix(got, "max-age=") {
		t.Fatalf("expected HSTS header, got %q", got)
	}
}

func TestIsHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if isHTTPS(req) {
		t.Fatalf("plain HTTP reported as https")
	}
	req.TLS = &tls.ConnectionState{}
	if !isHTTPS(req) {
		t.Fatalf("TLS request not reported as https")
	}
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("X-Forwarded-Proto", "https")
	if !isHTTPS(req2) {
		t.Fatalf("forwarded proto not reported as https")
	}
}
