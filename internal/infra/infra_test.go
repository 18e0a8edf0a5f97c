package infra

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v, err := NewJWTVerifier("dev-secret")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	raw, err := SignJWT("dev-secret", "driver-8001", "driver", 8001, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tok, err := v.VerifyIDToken(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tok.UID != "driver-8001" || tok.Claims["role"] != "driver" {
		t.Fatalf("unexpected token %+v", tok)
	}
	// JSON numbers decode as float64.
	if tok.Claims["actor_id"] != float64(8001) {
		t.Fatalf("unexpected actor_id %v", tok.Claims["actor_id"])
	}
}

func TestJWTVerifierRejects(t *testing.T) {
	v, _ := NewJWTVerifier("dev-secret")
	wrongKey, _ := SignJWT("other", "u1", "admin", 1, time.Minute)
	expired, _ := SignJWT("dev-secret", "u1", "admin", 1, -time.Minute)

	cases := map[string]string{
		"wrong key": wrongKey,
		"expired":   expired,
		"garbage":   "not-a-token",
		"alg none":  "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJ1MSJ9.",
	}
	for name, raw := range cases {
		if _, err := v.VerifyIDToken(context.Background(), raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	if _, err := NewJWTVerifier(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestSplitSQL(t *testing.T) {
	in := "-- header\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE INDEX i ON a (id);\n"
	stmts := SplitSQL(StripSQLComments(in))
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[1] != "CREATE INDEX i ON a (id)" {
		t.Fatalf("unexpected statement %q", stmts[1])
	}
}

func TestMigrationFileSplitsCleanly(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	stmts := SplitSQL(StripSQLComments(string(raw)))
	tables := 0
	for _, s := range stmts {
		if !strings.HasPrefix(s, "CREATE ") {
			t.Fatalf("unexpected statement start: %.40q", s)
		}
		if strings.HasPrefix(s, "CREATE TABLE") {
			tables++
		}
	}
	if tables != 6 {
		t.Fatalf("expected 6 tables, got %d", tables)
	}
}
