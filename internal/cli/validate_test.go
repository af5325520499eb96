package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goodConfig = `
credentials:
  id: 00112233445566778899AABBCCDDEEFF
  password: ABCDEFGHIJKL
unit_id: house-1
reader:
  type: spool
  spool:
    path: /var/spool/broute/records.jsonl
sinks:
  csv:
    enabled: true
  postgres:
    enabled: true
    dsn: postgres://meter@localhost/meter
`

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestRunValidate_Valid(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "settings.yml", goodConfig)
	var stdout, stderr bytes.Buffer

	if err := RunValidate([]string{path}, envMap(nil), &stdout, &stderr); err != nil {
		t.Fatalf("expected valid config, got %v\n%s", err, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"is valid", "house-1", "csv, postgres", "divide by 1000"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestRunValidate_Invalid(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "settings.yml", `
reader:
  type: serial
sinks:
  timeseries:
    enabled: true
`)
	var stdout, stderr bytes.Buffer

	err := RunValidate([]string{path}, envMap(nil), &stdout, &stderr)
	if err == nil {
		t.Fatal("expected validation error")
	}
	out := stderr.String()
	for _, want := range []string{"credentials.id", "reader.type", "sinks.timeseries.url"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestRunValidate_EnvCompletesConfig(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "settings.yml", `
unit_id: house-1
reader:
  spool:
    path: /tmp/records.jsonl
`)
	env := envMap(map[string]string{
		"BROUTE_ID":       "00112233445566778899AABBCCDDEEFF",
		"BROUTE_PASSWORD": "ABCDEFGHIJKL",
	})
	var stdout, stderr bytes.Buffer

	if err := RunValidate([]string{path}, env, &stdout, &stderr); err != nil {
		t.Fatalf("env should satisfy credentials, got %v\n%s", err, stderr.String())
	}
}

func TestRunValidate_PathFromEnv(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "settings.yml", goodConfig)
	var stdout, stderr bytes.Buffer

	if err := RunValidate(nil, envMap(map[string]string{"METERLOG_CONFIG": path}), &stdout, &stderr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout.String(), path) {
		t.Errorf("summary should name %s:\n%s", path, stdout.String())
	}
}

func TestRunValidate_MissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := RunValidate([]string{filepath.Join(t.TempDir(), "absent.yml")}, envMap(nil), &stdout, &stderr)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestRunValidate_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := RunValidate([]string{"-h"}, envMap(nil), &stdout, &stderr); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout.String(), "Usage: meterlog validate") {
		t.Errorf("unexpected help output: %s", stdout.String())
	}
}

func TestSplitErrors(t *testing.T) {
	if splitErrors(nil) != nil {
		t.Error("nil error should yield nil")
	}
	got := splitErrors(errors.Join(errors.New("a is required"), errors.New("b is bad")))
	if len(got) != 2 || got[0] != "a is required" || got[1] != "b is bad" {
		t.Errorf("unexpected split: %v", got)
	}
}

func TestInferField(t *testing.T) {
	tests := map[string]string{
		"credentials.id is required":                     "credentials.id",
		"reader.kafka: brokers is required":              "reader.kafka",
		`sinks.postgres.table "x y" is not a valid name`: "sinks.postgres.table",
	}
	for msg, want := range tests {
		if got := inferField(msg); got != want {
			t.Errorf("inferField(%q) = %q, want %q", msg, got, want)
		}
	}
}
