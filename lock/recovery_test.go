package lock

import (
	"errors"
	"testing"

	"pkt.systems/zkgate/coord"
)

func TestRecoveryKeyRoundTrip(t *testing.T) {
	cases := []struct {
		name, owner string
	}{
		{"jobs", "worker-1"},
		{"", ""},
		{"a:b", "c:d"},
		{"rk1:3:abc", "rk1:0:"},
		{"12:", ":34"},
		{"名前/ロック", "所有者 ✓"},
		{"line\nbreak", "tab\tand\x00nul"},
		{"punct!@#$%^&*()", "{\"json\":true}"},
	}
	for _, tc := range cases {
		key := CreateRecoveryKey(tc.name, tc.owner)
		name, owner, err := ExtractRecoveryKeyDetails(key)
		if err != nil {
			t.Fatalf("extract %q: %v", key, err)
		}
		if name != tc.name || owner != tc.owner {
			t.Fatalf("round trip (%q,%q) -> %q -> (%q,%q)", tc.name, tc.owner, key, name, owner)
		}
	}
}

func TestRecoveryKeyDistinguishesSplits(t *testing.T) {
	a := CreateRecoveryKey("ab", "c")
	b := CreateRecoveryKey("a", "bc")
	if a == b {
		t.Fatalf("keys collide: %q", a)
	}
}

func TestMalformedRecoveryKeys(t *testing.T) {
	bad := []string{
		"",
		"jobs:worker",
		"rk1:",
		"rk1:x:abc",
		"rk1:-1:abc",
		"rk1:05:abcde",
		"rk1:10:short",
		"rk1:3",
	}
	for _, key := range bad {
		_, _, err := ExtractRecoveryKeyDetails(key)
		if !errors.Is(err, coord.ErrMalformedRecoveryKey) {
			t.Fatalf("key %q: expected ErrMalformedRecoveryKey, got %v", key, err)
		}
	}
}
