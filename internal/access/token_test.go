package access

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("MOVARA_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndParseRoundTrip(t *testing.T) {
	setSecret(t, "unit-test-secret")

	signed, err := GenerateToken("user-1", "Support_Agent", "sess-1", 15*time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseAndValidate(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %s, want user-1", claims.Subject)
	}
	if claims.Role != "support_agent" {
		t.Fatalf("role = %s, want lowercased support_agent", claims.Role)
	}
	if claims.SessionID != "sess-1" {
		t.Fatalf("session = %s, want sess-1", claims.SessionID)
	}
}

func TestGenerateRequiresSecretAndInputs(t *testing.T) {
	setSecret(t, "unit-test-secret")

	if _, err := GenerateToken("", "driver", "sess-1", time.Minute); err == nil {
		t.Fatal("blank user must fail")
	}
	if _, err := GenerateToken("user-1", "driver", "", time.Minute); err == nil {
		t.Fatal("blank session must fail")
	}
	if _, err := GenerateToken("user-1", "driver", "sess-1", 0); err == nil {
		t.Fatal("zero ttl must fail")
	}

	t.Setenv("MOVARA_AUTH_SECRET", "")
	ResetSecretForTests()
	if _, err := GenerateToken("user-1", "driver", "sess-1", time.Minute); err == nil {
		t.Fatal("missing secret must fail")
	}
}

func TestParseRejectsTamperedAndExpired(t *testing.T) {
	setSecret(t, "unit-test-secret")

	signed, err := GenerateToken("user-1", "driver", "sess-1", 15*time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAndValidate(signed + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered: %v, want ErrInvalidToken", err)
	}
	if _, err := ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("blank: %v, want ErrInvalidToken", err)
	}

	expired := signClaims(t, Claims{
		Role:      "driver",
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "movara",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			ID:        uuid.NewString(),
		},
	})
	if _, err := ParseAndValidate(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: %v, want ErrInvalidToken", err)
	}

	wrongIssuer := signClaims(t, Claims{
		Role:      "driver",
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			ID:        uuid.NewString(),
		},
	})
	if _, err := ParseAndValidate(wrongIssuer); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: %v, want ErrInvalidToken", err)
	}

	noSession := signClaims(t, Claims{
		Role: "driver",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "movara",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			ID:        uuid.NewString(),
		},
	})
	if _, err := ParseAndValidate(noSession); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("missing session: %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsWrongSigningMethod(t *testing.T) {
	setSecret(t, "unit-test-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Role:      "driver",
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "movara",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("hs512 token: %v, want ErrInvalidToken", err)
	}
}

func signClaims(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}
