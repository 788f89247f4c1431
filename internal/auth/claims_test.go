package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("ops@example.com", RoleOperator, testSecret, "pnp-hooks", 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret, "pnp-hooks")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ops@example.com" {
		t.Errorf("Subject = %q", claims.Subject)
	}
	if claims.Role != RoleOperator {
		t.Errorf("Role = %q", claims.Role)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestGenerateToken_Errors(t *testing.T) {
	if _, err := GenerateToken("s", RoleAdmin, "", "", 0); !errors.Is(err, ErrNoSecret) {
		t.Errorf("no secret: error = %v", err)
	}
	if _, err := GenerateToken("", RoleAdmin, testSecret, "", 0); err == nil {
		t.Error("empty subject should fail")
	}
	if _, err := GenerateToken("s", Role("root"), testSecret, "", 0); err == nil {
		t.Error("unknown role should fail")
	}
}

func TestParseToken_Rejects(t *testing.T) {
	valid, err := GenerateToken("s", RoleViewer, testSecret, "pnp-hooks", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key any) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	now := time.Now()

	tests := []struct {
		name   string
		token  string
		issuer string
	}{
		{"wrong secret", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
			Role:             RoleAdmin,
		}, jwt.SigningMethodHS256, []byte("other")), ""},
		{"expired", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))},
			Role:             RoleAdmin,
		}, jwt.SigningMethodHS256, []byte(testSecret)), ""},
		{"no expiry", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "s"},
			Role:             RoleAdmin,
		}, jwt.SigningMethodHS256, []byte(testSecret)), ""},
		{"none algorithm", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
			Role:             RoleAdmin,
		}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType), ""},
		{"missing subject", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
			Role:             RoleAdmin,
		}, jwt.SigningMethodHS256, []byte(testSecret)), ""},
		{"unknown role", sign(Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
			Role:             "root",
		}, jwt.SigningMethodHS256, []byte(testSecret)), ""},
		{"wrong issuer", valid, "someone-else"},
		{"garbage", "not.a.jwt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, testSecret, tt.issuer); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}

	if _, err := ParseToken(valid, "", ""); !errors.Is(err, ErrNoSecret) {
		t.Errorf("ParseToken() without secret error = %v", err)
	}
}

func TestCheckFunctionKey(t *testing.T) {
	tests := []struct {
		presented, configured string
		want                  bool
	}{
		{"anything", "", true},
		{"", "", true},
		{"s3cret", "s3cret", true},
		{"s3cret ", "s3cret", false},
		{"", "s3cret", false},
		{"S3CRET", "s3cret", false},
	}
	for _, tt := range tests {
		if got := CheckFunctionKey(tt.presented, tt.configured); got != tt.want {
			t.Errorf("CheckFunctionKey(%q, %q) = %v, want %v", tt.presented, tt.configured, got, tt.want)
		}
	}
}
