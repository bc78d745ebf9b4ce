package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"bizchat/server/common/auth"
	"bizchat/server/common/middleware"
)

func newRouter(svc *auth.Service, roles ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := []gin.HandlerFunc{middleware.AuthRequired(svc)}
	if len(roles) > 0 {
		handlers = append(handlers, middleware.RequireRoles(roles...))
	}
	handlers = append(handlers, func(c *gin.Context) {
		id, ok := middleware.Identity(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.UserID)
	})
	r.GET("/me", handlers...)
	return r
}

func call(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	svc := auth.NewService("secret", 5)
	token, err := svc.GenerateToken(auth.Identity{UserID: "ana", Role: "member"})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	r := newRouter(svc)

	if rec := call(r, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", rec.Code)
	}
	if rec := call(r, "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
	rec := call(r, "Bearer "+token)
	if rec.Code != http.StatusOK || rec.Body.String() != "ana" {
		t.Fatalf("expected 200 ana, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequireRoles(t *testing.T) {
	svc := auth.NewService("secret", 5)
	member, _ := svc.GenerateToken(auth.Identity{UserID: "ana", Role: "member"})
	admin, _ := svc.GenerateToken(auth.Identity{UserID: "bruno", Role: "admin"})
	r := newRouter(svc, "admin")

	if rec := call(r, "Bearer "+member); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d", rec.Code)
	}
	if rec := call(r, "Bearer "+admin); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
}
