package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/zkgate/internal/version"
)

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	isolate(t)

	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	info := version.Read()
	first, _, _ := strings.Cut(stdout, "\n")
	if want := info.Module + " " + info.Version; first != want {
		t.Fatalf("unexpected first line: got %q want %q", first, want)
	}
	for _, d := range info.Drivers {
		if !strings.Contains(stdout, d.Scheme+":// driver: "+d.Module) {
			t.Fatalf("driver %s missing from %q", d.Module, stdout)
		}
	}
}

func TestVersionCommandShortFlag(t *testing.T) {
	isolate(t)

	stdout, _, err := executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short failed: %v", err)
	}
	if want := version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandYAML(t *testing.T) {
	isolate(t)

	stdout, _, err := executeRootCommand(t, "-o", "yaml", "version")
	if err != nil {
		t.Fatalf("version -o yaml failed: %v", err)
	}
	var decoded version.Info
	if err := yaml.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if want := version.Read(); decoded.Module != want.Module || decoded.Version != want.Version || len(decoded.Drivers) != len(want.Drivers) {
		t.Fatalf("decoded %+v want %+v", decoded, want)
	}
}
