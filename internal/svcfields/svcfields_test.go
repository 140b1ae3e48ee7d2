package svcfields

import (
	"context"
	"testing"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"gate"}, "gate"},
		{[]string{"store", "", "memory"}, "store.memory"},
		{[]string{".lock.", " queue "}, "lock.queue"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestEnsureLoggerNeverNil(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected noop logger")
	}
	if WithSubsystem(nil, "gate") == nil {
		t.Fatal("expected logger with subsystem")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Fatal("expected fallback logger")
	}
}
