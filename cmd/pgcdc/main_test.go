package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewRunnerLoadsConfigAndPicksLivenessDSN(t *testing.T) {
	path := writeTestConfig(t, `
slots:
  orders:
    watcher: noop
    publications: [orders_pub]
    metadata_dsn: "postgres://metadata"
`)
	run, err := newRunner(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.LivenessDSN != "postgres://metadata" {
		t.Fatalf("expected liveness DSN from slot config, got %q", run.LivenessDSN)
	}
	if _, ok := run.Config.Slots["orders"]; !ok {
		t.Fatalf("expected orders slot to be loaded")
	}
}

func TestNewRootCommandValidateRejectsMissingWatcher(t *testing.T) {
	path := writeTestConfig(t, `
slots:
  orders:
    publications: [orders_pub]
`)
	cmd := newRootCommand()
	cmd.SetArgs([]string{"validate", path})
	cmd.SetOut(os.NewFile(0, os.DevNull))
	cmd.SetErr(os.NewFile(0, os.DevNull))
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validate to fail for a slot without a watcher")
	}
}
