package decision

import (
	"context"
	"testing"

	"github.com/svcgate/svcgate/api"
)

const testRegoPolicy = `package svcgate

import rego.v1

default decision := "deny"
default message := "default deny"

decision := "allow" if {
	input.method == "GET"
	startswith(input.path, "/v1/books")
	input.caller_id != "key:revoked"
}
rule := "allow-books" if {
	input.method == "GET"
	startswith(input.path, "/v1/books")
	input.caller_id != "key:revoked"
}

decision := "deny" if {
	input.caller_id == "key:revoked"
}
code := 401 if {
	input.caller_id == "key:revoked"
}
message := "credential revoked" if {
	input.caller_id == "key:revoked"
}
rule := "block-revoked" if {
	input.caller_id == "key:revoked"
}
`

func TestOPAEngineAllow(t *testing.T) {
	engine, err := NewOPAEngineFromSource(testRegoPolicy)
	if err != nil {
		t.Fatal(err)
	}

	res, err := engine.Check(context.Background(), attrsFor("GET", "/v1/books/1", "key:abc"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed() {
		t.Errorf("expected allow, got %+v", res)
	}
	if res.Rule != "allow-books" {
		t.Errorf("expected rule allow-books, got %q", res.Rule)
	}
}

func TestOPAEngineDenyWithCodeAndMessage(t *testing.T) {
	engine, err := NewOPAEngineFromSource(testRegoPolicy)
	if err != nil {
		t.Fatal(err)
	}

	res, err := engine.Check(context.Background(), attrsFor("GET", "/v1/other", "key:revoked"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != api.DecisionDeny {
		t.Fatalf("expected deny, got %+v", res)
	}
	if res.Code != 401 {
		t.Errorf("expected code 401, got %d", res.Code)
	}
	if res.Message != "credential revoked" {
		t.Errorf("expected revoked message, got %q", res.Message)
	}
}

func TestOPAEngineDefaultDeny(t *testing.T) {
	engine, err := NewOPAEngineFromSource(testRegoPolicy)
	if err != nil {
		t.Fatal(err)
	}

	res, err := engine.Check(context.Background(), attrsFor("POST", "/v1/books", "key:abc"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != api.DecisionDeny {
		t.Errorf("expected default deny, got %+v", res)
	}
	if res.Message != "default deny" {
		t.Errorf("expected default message, got %q", res.Message)
	}
}

func TestOPAEngineRejectsBrokenPolicy(t *testing.T) {
	if _, err := NewOPAEngineFromSource("package svcgate\n\nthis is not rego"); err == nil {
		t.Fatal("expected parse error for broken policy")
	}
}
