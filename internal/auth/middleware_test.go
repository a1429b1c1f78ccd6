package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testPlayer = "0xabc0000000000000000000000000000000000001"

func setupMiddlewareTest(t *testing.T) (*Manager, string, *TokenRecord) {
	t.Helper()
	mgr := newTestManager()
	token, rec, err := mgr.Issue(context.Background(), testPlayer, Ethereum)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return mgr, token, rec
}

// --- Middleware() ---

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	mgr, token, rec := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	Middleware(mgr)(c)

	if got := Player(c); got != testPlayer {
		t.Errorf("Expected player %s, got %q", testPlayer, got)
	}
	claims, ok := GetClaims(c)
	if !ok {
		t.Fatal("Expected claims to be set in context")
	}
	if claims.ID != rec.JTI {
		t.Errorf("Expected jti %s, got %s", rec.JTI, claims.ID)
	}
}

func TestMiddleware_BadToken_PassesThrough(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer garbage")

	Middleware(mgr)(c)

	if c.IsAborted() {
		t.Error("Middleware should not abort on a bad token")
	}
	if Player(c) != "" {
		t.Error("Player should be empty for a bad token")
	}
}

func TestMiddleware_NoHeader(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	Middleware(mgr)(c)

	if _, ok := GetClaims(c); ok {
		t.Error("No claims expected without a header")
	}
}

func TestMiddleware_WebSocketQueryToken(t *testing.T) {
	mgr, token, _ := setupMiddlewareTest(t)

	for _, upgrade := range []bool{true, false} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest("GET", "/ws/balance/"+testPlayer+"?access_token="+token, nil)
		if upgrade {
			c.Request.Header.Set("Connection", "Upgrade")
			c.Request.Header.Set("Upgrade", "websocket")
		}

		Middleware(mgr)(c)

		want := ""
		if upgrade {
			want = testPlayer
		}
		if got := Player(c); got != want {
			t.Errorf("upgrade=%v: expected player %q, got %q", upgrade, want, got)
		}
	}
}

// --- RequireAuth / RequireOwnership ---

func newRouter(mgr *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/me", RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, Player(c))
	})
	r.GET("/savings/:player", RequireOwnership("player"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	mgr, token, _ := setupMiddlewareTest(t)
	r := newRouter(mgr)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestRequireAuth_RevokedToken(t *testing.T) {
	mgr, token, rec := setupMiddlewareTest(t)
	r := newRouter(mgr)
	if err := mgr.Revoke(context.Background(), rec.JTI); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for revoked token, got %d", w.Code)
	}
}

func TestRequireOwnership(t *testing.T) {
	mgr, token, _ := setupMiddlewareTest(t)
	r := newRouter(mgr)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"owner", "/savings/" + testPlayer, "Bearer " + token, http.StatusOK},
		{"other player", "/savings/0xdef0000000000000000000000000000000000002", "Bearer " + token, http.StatusForbidden},
		{"unauthenticated", "/savings/" + testPlayer, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestRequireOwner_ForbiddenBody(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Set(ContextKeyPlayer, "alice")

	if RequireOwner(c, "bob") {
		t.Fatal("Expected RequireOwner to refuse")
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "forbidden" {
		t.Errorf("Expected forbidden error, got %q", body["error"])
	}
}

// --- RequireSecret ---

func TestRequireSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"match", "s3cret", "s3cret", http.StatusOK},
		{"mismatch", "s3cret", "guess", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"disabled", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/internal", RequireSecret(tt.secret), func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest("POST", "/internal", nil)
			if tt.header != "" {
				req.Header.Set(InternalSecretHeader, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}
