package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/boardkeeper/kit"
)

var testSecret = []byte(strings.Repeat("s", 32))

func TestGenerateValidate(t *testing.T) {
	tok, err := GenerateToken(testSecret, &Claims{UserID: "usr_1", Handle: "ada"}, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c, err := ValidateToken(testSecret, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.UserID != "usr_1" || c.Handle != "ada" {
		t.Fatalf("claims: got %+v", c)
	}
}

func TestGenerate_ShortSecret(t *testing.T) {
	if _, err := GenerateToken([]byte("short"), &Claims{UserID: "u"}, time.Hour); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	tok, _ := GenerateToken(testSecret, &Claims{UserID: "usr_1"}, time.Hour)
	if _, err := ValidateToken([]byte(strings.Repeat("x", 32)), tok); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestValidate_Expired(t *testing.T) {
	tok, _ := GenerateToken(testSecret, &Claims{UserID: "usr_1"}, -time.Minute)
	if _, err := ValidateToken(testSecret, tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestMiddleware_RequireUser(t *testing.T) {
	var seen string
	h := Middleware(testSecret)(RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetUserID(r.Context())
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/boards", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", rec.Code)
	}

	tok, _ := GenerateToken(testSecret, &Claims{UserID: "usr_9"}, time.Hour)
	req := httptest.NewRequest("GET", "/api/boards", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer: status %d, want 200", rec.Code)
	}
	if seen != "usr_9" {
		t.Fatalf("user id: got %q, want usr_9", seen)
	}
}

func TestStatic(t *testing.T) {
	var seen string
	h := Static("local")(RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context()).UserID
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK || seen != "local" {
		t.Fatalf("static: status %d user %q", rec.Code, seen)
	}
}
