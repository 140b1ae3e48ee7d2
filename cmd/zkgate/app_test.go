package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/zkgate"
	"pkt.systems/zkgate/lock"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeRootCommandContext(context.Background(), t, args...)
}

func executeRootCommandContext(ctx context.Context, t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// isolate keeps the user's config file and environment out of the test and
// returns a disk store URL shared by every command of the test.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ZKGATE_CONFIG", "")
	t.Setenv("ZKGATE_STORE", "")
	t.Setenv("ZKGATE_OUTPUT", "")
	return "disk://" + filepath.Join(t.TempDir(), "zkgate.db")
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, err := executeRootCommand(t, args...)
	if err != nil {
		t.Fatalf("zkgate %s: %v (stderr %q)", strings.Join(args, " "), err, stderr)
	}
	return stdout
}

func TestQueueCommands(t *testing.T) {
	storeURL := isolate(t)

	if out := mustRun(t, "--store", storeURL, "queue", "create", "jobs"); !strings.Contains(out, "created queue jobs") {
		t.Fatalf("unexpected create output %q", out)
	}
	if out := mustRun(t, "--store", storeURL, "queue", "create", "jobs"); !strings.Contains(out, "already exists") {
		t.Fatalf("unexpected second create output %q", out)
	}
	mustRun(t, "--store", storeURL, "queue", "send", "jobs", "first")
	mustRun(t, "--store", storeURL, "queue", "send", "jobs", "second")

	var listed []struct {
		Queue string `yaml:"queue"`
		Size  int    `yaml:"size"`
	}
	out := mustRun(t, "--store", storeURL, "-o", "yaml", "queue", "ls")
	if err := yaml.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode ls output %q: %v", out, err)
	}
	if len(listed) != 1 || listed[0].Queue != "jobs" || listed[0].Size != 2 {
		t.Fatalf("unexpected queue listing %+v", listed)
	}

	if out := mustRun(t, "--store", storeURL, "queue", "consume", "jobs"); out != "first\n" {
		t.Fatalf("consume returned %q, want first", out)
	}
	if out := mustRun(t, "--store", storeURL, "queue", "peek", "jobs", "msg-0000000001"); out != "second\n" {
		t.Fatalf("peek returned %q, want second", out)
	}
	if out := mustRun(t, "--store", storeURL, "queue", "purge", "jobs"); !strings.Contains(out, "purged 1 message") {
		t.Fatalf("unexpected purge output %q", out)
	}
	if _, _, err := executeRootCommand(t, "--store", storeURL, "queue", "consume", "jobs"); err == nil || !strings.Contains(err.Error(), "no message") {
		t.Fatalf("expected empty queue error, got %v", err)
	}
	mustRun(t, "--store", storeURL, "queue", "rm", "jobs")
	if out := mustRun(t, "--store", storeURL, "queue", "ls"); strings.Contains(out, "jobs") {
		t.Fatalf("queue still listed after rm: %q", out)
	}
}

func TestPrefsCommands(t *testing.T) {
	storeURL := isolate(t)

	mustRun(t, "--store", storeURL, "prefs", "put", "app/db", "host=db1", "port=5432")
	if out := mustRun(t, "--store", storeURL, "prefs", "get", "app/db", "host"); out != "db1\n" {
		t.Fatalf("get host returned %q", out)
	}
	if out := mustRun(t, "--store", storeURL, "prefs", "get", "app/db"); out != "host=db1\nport=5432\n" {
		t.Fatalf("get node returned %q", out)
	}
	if out := mustRun(t, "--store", storeURL, "prefs", "ls", "app"); out != "db\n" {
		t.Fatalf("ls returned %q", out)
	}
	mustRun(t, "--store", storeURL, "prefs", "rm", "app/db", "port")
	if _, _, err := executeRootCommand(t, "--store", storeURL, "prefs", "get", "app/db", "port"); err == nil {
		t.Fatal("expected missing key error after rm")
	}
	mustRun(t, "--store", storeURL, "prefs", "rm", "app")
	if out := mustRun(t, "--store", storeURL, "prefs", "ls"); out != "" {
		t.Fatalf("expected empty tree, got %q", out)
	}
	if _, _, err := executeRootCommand(t, "--store", storeURL, "prefs", "put", "app", "novalue"); err == nil {
		t.Fatal("expected key=value error")
	}
}

func TestOnlineAndNodeCommands(t *testing.T) {
	storeURL := isolate(t)

	if out := mustRun(t, "--store", storeURL, "online", "status"); out != "cluster is offline\n" {
		t.Fatalf("status returned %q", out)
	}
	mustRun(t, "--store", storeURL, "online", "mark")
	if out := mustRun(t, "--store", storeURL, "online", "status"); out != "cluster is online\n" {
		t.Fatalf("status after mark returned %q", out)
	}
	mustRun(t, "--store", storeURL, "online", "clear")
	if out := mustRun(t, "--store", storeURL, "online", "status"); out != "cluster is offline\n" {
		t.Fatalf("status after clear returned %q", out)
	}

	if out := mustRun(t, "--store", storeURL, "node", "approve", "node-a"); out != "node node-a is approved\n" {
		t.Fatalf("approve returned %q", out)
	}
	mustRun(t, "--store", storeURL, "node", "set-connection", "node-a", "10.0.0.1:7000")
	var nodes []struct {
		ID         string `yaml:"id"`
		State      string `yaml:"state"`
		Connection string `yaml:"connection"`
	}
	out := mustRun(t, "--store", storeURL, "-o", "yaml", "node", "ls")
	if err := yaml.Unmarshal([]byte(out), &nodes); err != nil {
		t.Fatalf("decode node ls %q: %v", out, err)
	}
	if len(nodes) != 1 || nodes[0].ID != "node-a" || nodes[0].State != "approved" || nodes[0].Connection != "10.0.0.1:7000" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if out := mustRun(t, "--store", storeURL, "node", "retire", "node-a"); out != "node node-a is retired\n" {
		t.Fatalf("retire returned %q", out)
	}
	if _, _, err := executeRootCommand(t, "--store", storeURL, "node", "retire", "node-b"); err == nil {
		t.Fatal("expected retire of unknown node to fail")
	}
}

func TestRawCommands(t *testing.T) {
	storeURL := isolate(t)

	mustRun(t, "--store", storeURL, "raw", "set", "--create", "/scratch/a", "hello")
	if out := mustRun(t, "--store", storeURL, "raw", "get", "/scratch/a"); out != "hello\n" {
		t.Fatalf("get returned %q", out)
	}
	if _, _, err := executeRootCommand(t, "--store", storeURL, "raw", "set", "--version", "5", "/scratch/a", "bye"); err == nil {
		t.Fatal("expected version mismatch")
	}
	if out := mustRun(t, "--store", storeURL, "raw", "set", "--version", "0", "/scratch/a", "bye"); !strings.Contains(out, "version 1") {
		t.Fatalf("set returned %q", out)
	}
	if out := mustRun(t, "--store", storeURL, "raw", "ls", "/scratch"); out != "a\n" {
		t.Fatalf("ls returned %q", out)
	}
	if _, _, err := executeRootCommand(t, "--store", storeURL, "raw", "rm", "/scratch"); err == nil {
		t.Fatal("expected non-empty delete to fail")
	}
	mustRun(t, "--store", storeURL, "raw", "rm", "-r", "/scratch")
	if _, _, err := executeRootCommand(t, "--store", storeURL, "raw", "get", "/scratch/a"); err == nil {
		t.Fatal("expected missing node after recursive rm")
	}
}

func TestLockCommands(t *testing.T) {
	storeURL := isolate(t)

	out := mustRun(t, "--store", storeURL, "lock", "hold", "--durable-owner", "worker-1", "--for", "1ms", "jobs")
	if !strings.Contains(out, "recovery key: "+lock.CreateRecoveryKey("jobs", "worker-1")) || !strings.Contains(out, "released jobs") {
		t.Fatalf("unexpected hold output %q", out)
	}
	if out := mustRun(t, "--store", storeURL, "lock", "holders", "jobs"); strings.Count(out, "\n") != 1 {
		t.Fatalf("expected only a header after release, got %q", out)
	}
	if out := mustRun(t, "lock", "recovery-key", "jobs", "worker-1"); out != lock.CreateRecoveryKey("jobs", "worker-1")+"\n" {
		t.Fatalf("recovery-key returned %q", out)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	storeURL := isolate(t)
	_, _, err := executeRootCommand(t, "--store", storeURL, "-o", "xml", "online", "status")
	if err == nil || !strings.Contains(err.Error(), "unsupported output format") {
		t.Fatalf("expected output format error, got %v", err)
	}
}

func TestInvalidStoreIsRejected(t *testing.T) {
	isolate(t)
	if _, _, err := executeRootCommand(t, "--store", "s3://bucket", "online", "status"); err == nil {
		t.Fatal("expected unsupported store scheme error")
	}
}

func TestConfigGenStdoutRoundTrips(t *testing.T) {
	isolate(t)
	out := mustRun(t, "config", "gen", "--stdout")
	var decoded configDefaults
	if err := yaml.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode generated config: %v", err)
	}
	if decoded.Store != zkgate.DefaultStore || decoded.SessionTTL != zkgate.DefaultSessionTTL.String() {
		t.Fatalf("unexpected defaults %+v", decoded)
	}
}

func TestConfigFileIsLoaded(t *testing.T) {
	storeURL := isolate(t)
	cfgPath := filepath.Join(t.TempDir(), "zkgate.yaml")
	mustRun(t, "config", "gen", "--out", cfgPath)
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", cfgPath); err == nil {
		t.Fatal("expected refusal to overwrite without --force")
	}
	mustRun(t, "--config", cfgPath, "--store", storeURL, "online", "mark")
	if out := mustRun(t, "--store", storeURL, "online", "status"); out != "cluster is online\n" {
		t.Fatalf("status returned %q", out)
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	isolate(t)
	for _, args := range [][]string{
		{"--store", "mem://", "--presence"},
		{"run", "--store", "mem://", "--presence", "--register-node"},
	} {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, _, err := executeRootCommandContext(ctx, t, args...)
		cancel()
		if err != nil {
			t.Fatalf("zkgate %s returned %v", strings.Join(args, " "), err)
		}
	}
}
