package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shardpilot/shardpilot/router"
)

func TestClassify(t *testing.T) {
	if !router.IsPermanent(classify(&pgconn.PgError{Code: "42601"})) {
		t.Fatal("syntax errors should be permanent")
	}
	if !router.IsPermanent(classify(&pgconn.PgError{Code: "23505"})) {
		t.Fatal("constraint violations should be permanent")
	}
	// Admin shutdown clears on retry against another node.
	if router.IsPermanent(classify(&pgconn.PgError{Code: "57P01"})) {
		t.Fatal("server shutdown should stay retryable")
	}
	if router.IsPermanent(classify(errors.New("broken pipe"))) {
		t.Fatal("plain errors should stay retryable")
	}
	if classify(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestQuoteLiteral(t *testing.T) {
	if got, exp := quoteLiteral("host=10.0.0.1 password=p'w"), "'host=10.0.0.1 password=p''w'"; got != exp {
		t.Fatalf("got %s, exp %s", got, exp)
	}
}

func TestVerifyTableName(t *testing.T) {
	a, b := verifyTableName(), verifyTableName()
	if a == b {
		t.Fatal("verify table names should be unique")
	}
	if !strings.HasPrefix(a, "_failover_verify_") {
		t.Fatalf("unexpected prefix: %s", a)
	}
}
