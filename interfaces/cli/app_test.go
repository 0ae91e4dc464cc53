package cli

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/enginehub/cassettedeck/infrastructure/bootstrap"
	"github.com/enginehub/cassettedeck/infrastructure/telemetry"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()

	content := `
name: test-deck
logging:
  level: error
content:
  backend: filesystem
  path: ` + filepath.Join(dir, "blobs") + `
index:
  backend: sqlite
  dsn: file:` + filepath.Join(dir, "index.db") + `?mode=rwc
cache:
  backend: memory
rate_limit:
  capacity: 1000
  refill_per_second: 100
`
	path := filepath.Join(dir, "deck.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func writeArchive(t *testing.T, dir, version, release string) string {
	t.Helper()

	files := []struct{ name, body string }{
		{"cassette.yaml", "name: demo\nversion: \"" + version + "\"\nrelease_time: " + release + "\n"},
		{"plugin.jar", "bytes of " + version},
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(f.body))}); err != nil {
			t.Fatalf("WriteHeader() error = %v", err)
		}
		if _, err := tw.Write([]byte(f.body)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	path := filepath.Join(dir, "demo-"+version+".tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	app := New().
		WithOutput(&stdout, &stderr).
		WithBootstrapOptions(bootstrap.WithMetrics(telemetry.NoopMetrics{}))
	err := app.ExecuteWithArgs(context.Background(), args)
	return stdout.String(), stderr.String(), err
}

func TestApp_Version(t *testing.T) {
	stdout, _, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(stdout, "cassettedeck version") {
		t.Errorf("version output missing 'cassettedeck version', got: %s", stdout)
	}
}

func TestApp_Help(t *testing.T) {
	stdout, _, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	for _, want := range []string{"ingest", "fetch", "list", "status", "sweep", "--config"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("help output missing %q, got: %s", want, stdout)
		}
	}
}

func TestApp_IngestFetchListStatusSweep(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	first := writeArchive(t, dir, "1.0", "2024-01-01T00:00:00Z")
	second := writeArchive(t, dir, "1.1", "2024-02-01T00:00:00Z")

	stdout, _, err := run(t, "-c", cfg, "ingest", "--principal", "ci", first)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if !strings.Contains(stdout, "published demo@1.0") {
		t.Errorf("ingest output = %s", stdout)
	}

	stdout, _, err = run(t, "-c", cfg, "ingest", first)
	if err != nil {
		t.Fatalf("re-ingest failed: %v", err)
	}
	if !strings.Contains(stdout, "already published") {
		t.Errorf("re-ingest output = %s", stdout)
	}

	if _, _, err := run(t, "-c", cfg, "ingest", "--json", second); err != nil {
		t.Fatalf("ingest --json failed: %v", err)
	}

	stdout, _, err = run(t, "-c", cfg, "list", "demo")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if i, j := strings.Index(stdout, "1.1"), strings.Index(stdout, "1.0"); i < 0 || j < 0 || i > j {
		t.Errorf("list output should show 1.1 before 1.0, got: %s", stdout)
	}

	stdout, _, err = run(t, "-c", cfg, "list", "demo", "--before", "2024-01-15T00:00:00Z")
	if err != nil {
		t.Fatalf("list --before failed: %v", err)
	}
	if strings.Contains(stdout, "1.1") || !strings.Contains(stdout, "1.0") {
		t.Errorf("list --before output = %s", stdout)
	}

	out := filepath.Join(dir, "fetched.tar")
	if _, _, err := run(t, "-c", cfg, "fetch", "demo", "1.0", "-o", out); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("failed to read fetched artifact: %v", err)
	}
	if !bytes.Contains(data, []byte("bytes of 1.0")) {
		t.Error("fetched artifact missing payload")
	}
	if bytes.Contains(data, []byte("cassette.yaml")) {
		t.Error("canonical form should not carry the manifest")
	}

	stdout, _, err = run(t, "-c", cfg, "status", "demo", "1.0")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(stdout, "superseded") {
		t.Errorf("status output = %s", stdout)
	}

	stdout, _, err = run(t, "-c", cfg, "sweep")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !strings.Contains(stdout, "reclaimed 0") {
		t.Errorf("sweep output = %s", stdout)
	}
}

func TestApp_FetchMissing(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	_, stderr, err := run(t, "-c", cfg, "fetch", "nothing")
	if err == nil {
		t.Fatal("fetch should fail for a missing artifact")
	}
	if !strings.Contains(stderr, "artifact.not.found") {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestApp_IngestRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	bogus := filepath.Join(dir, "bogus.bin")
	if err := os.WriteFile(bogus, []byte("not an archive"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, stderr, err := run(t, "-c", cfg, "ingest", bogus)
	if err == nil {
		t.Fatal("ingest should reject a non-archive")
	}
	if !strings.Contains(stderr, "validation.unsupported-codec") {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestApp_Validate(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	stdout, _, err := run(t, "-c", cfg, "validate")
	if err != nil {
		t.Fatalf("validate command failed: %v", err)
	}
	if !strings.Contains(stdout, "valid") || !strings.Contains(stdout, "sqlite") {
		t.Errorf("validate output = %s", stdout)
	}
}

func TestApp_ValidateInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deck.yaml")
	content := `
content:
  backend: tape
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, _, err := run(t, "-c", path, "validate"); err == nil {
		t.Fatal("validate command should fail for invalid config")
	}
	if _, _, err := run(t, "validate"); err == nil {
		t.Fatal("validate command should require a config path")
	}
}

func TestApp_Schema(t *testing.T) {
	stdout, _, err := run(t, "schema")
	if err != nil {
		t.Fatalf("schema command failed: %v", err)
	}
	if !strings.Contains(stdout, "$schema") || !strings.Contains(stdout, "CassetteDeck Configuration") {
		t.Errorf("schema output = %s", stdout)
	}

	out := filepath.Join(t.TempDir(), "schema.json")
	if _, _, err := run(t, "schema", "-o", out); err != nil {
		t.Fatalf("schema -o failed: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("schema file not written: %v", err)
	}
}
