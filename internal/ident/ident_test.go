package ident

import (
	"strings"
	"testing"
	"time"
)

func TestOwnerTokenRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Second)
	token := OwnerToken("worker#7")
	owner, issued, ok := ParseOwnerToken(token)
	if !ok {
		t.Fatalf("parse %q failed", token)
	}
	if owner != "worker#7" {
		t.Fatalf("owner=%q", owner)
	}
	if issued.Before(before) || issued.After(time.Now().Add(time.Second)) {
		t.Fatalf("issued %v outside the expected window", issued)
	}
	if OwnerToken("a") == OwnerToken("a") {
		t.Fatal("tokens must be unique per call")
	}
}

func TestParseOwnerTokenRejectsForeignContent(t *testing.T) {
	for _, raw := range []string{"", "plain", "owner#not-a-uuid", "owner#6ba7b810-9dad-11d1-80b4-00c04fd430c8"} {
		if _, _, ok := ParseOwnerToken(raw); ok {
			t.Fatalf("%q: expected rejection", raw)
		}
	}
}

func TestNewNodeID(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	if a == b || len(a) != 20 || strings.ContainsAny(a, "/#") {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}
