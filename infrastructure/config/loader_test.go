package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	domainconfig "github.com/enginehub/cassettedeck/domain/config"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoader_LoadFile_YAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "deck.yaml", `
name: deck-eu
content:
  backend: s3
  bucket: ${BUCKET}
  s3:
    region: eu-west-1
index:
  backend: postgres
  dsn: ${DSN:-postgres://localhost/deck}
rate_limit:
  capacity: 100
  idle_timeout: 5m
cache:
  backend: redis
  address: localhost:6379
`)

	loader := NewLoaderWithOptions(WithLookup(mapLookup(map[string]string{"BUCKET": "artifacts"})))
	cfg, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Name != "deck-eu" {
		t.Errorf("Name = %s, want deck-eu", cfg.Name)
	}
	if cfg.Content.Bucket != "artifacts" {
		t.Errorf("Bucket = %s, want artifacts", cfg.Content.Bucket)
	}
	if cfg.Index.DSN != "postgres://localhost/deck" {
		t.Errorf("DSN = %s", cfg.Index.DSN)
	}
	if cfg.RateLimit.Capacity != 100 {
		t.Errorf("Capacity = %d, want 100", cfg.RateLimit.Capacity)
	}
	if cfg.RateLimit.IdleTimeout.Duration() != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.RateLimit.IdleTimeout.Duration())
	}
	// Untouched keys keep their defaults.
	if cfg.RateLimit.WriteCost != 10 {
		t.Errorf("WriteCost = %d, want default 10", cfg.RateLimit.WriteCost)
	}
	if cfg.Sweep.GracePeriod.Duration() != time.Hour {
		t.Errorf("GracePeriod = %v, want default 1h", cfg.Sweep.GracePeriod.Duration())
	}
}

func TestLoader_LoadFile_JSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "deck.json", `{
  "name": "deck-json",
  "content": {"backend": "memory"},
  "index": {"backend": "badger", "path": "/var/lib/deck"},
  "sweep": {"grace_period": "2h"}
}`)

	cfg, err := NewLoader().LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Index.Backend != domainconfig.IndexBadger || cfg.Index.Path != "/var/lib/deck" {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if cfg.Sweep.GracePeriod.Duration() != 2*time.Hour {
		t.Errorf("GracePeriod = %v, want 2h", cfg.Sweep.GracePeriod.Duration())
	}
}

func TestLoader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr error
	}{
		{"unsupported extension", "deck.toml", "name = 1", domainconfig.ErrUnsupportedFormat},
		{"invalid yaml", "deck.yaml", "content: [", domainconfig.ErrInvalidFormat},
		{"unknown key", "deck.yaml", "contnet:\n  backend: memory\n", domainconfig.ErrInvalidFormat},
		{"unknown json key", "deck.json", `{"nmae": "x"}`, domainconfig.ErrInvalidFormat},
		{"validation", "deck.yaml", "content:\n  backend: s3\n", domainconfig.ErrValidationFailed},
		{"bad duration", "deck.yaml", "sweep:\n  interval: soon\n", domainconfig.ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeConfig(t, tt.file, tt.content)
			_, err := NewLoader().LoadFile(path)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("LoadFile() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoader_LoadFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, domainconfig.ErrConfigNotFound) {
		t.Errorf("error = %v, want ErrConfigNotFound", err)
	}

	_, err = NewLoader().LoadFile(t.TempDir())
	if !errors.Is(err, domainconfig.ErrInvalidFormat) {
		t.Errorf("directory error = %v, want ErrInvalidFormat", err)
	}
}

func TestLoader_LoadDefault(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "deck.yaml", "name: from-env\n")

	loader := NewLoaderWithOptions(WithLookup(mapLookup(map[string]string{EnvConfigPath: path})))
	cfg, err := loader.LoadDefault("")
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if cfg.Name != "from-env" {
		t.Errorf("Name = %s, want from-env", cfg.Name)
	}

	bare := NewLoaderWithOptions(WithLookup(mapLookup(nil)))
	cfg, err = bare.LoadDefault("")
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if cfg.Name != domainconfig.DefaultDeckConfig().Name {
		t.Errorf("Name = %s, want default", cfg.Name)
	}
}

func TestLoader_WithoutValidation(t *testing.T) {
	t.Parallel()

	loader := NewLoaderWithOptions(WithValidation(false), WithKnownFields(false), WithEnvExpansion(false))
	cfg, err := loader.LoadString("content:\n  backend: s3\n  bucket: $KEEP\nextra: 1\n", FormatYAML)
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	if cfg.Content.Bucket != "$KEEP" {
		t.Errorf("Bucket = %q, want unexpanded", cfg.Content.Bucket)
	}
}

func TestLoader_EmptyDocument(t *testing.T) {
	t.Parallel()

	cfg, err := NewLoader().LoadBytes(nil, FormatYAML)
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	if cfg.Content.Backend != domainconfig.ContentFilesystem {
		t.Errorf("Backend = %s, want default filesystem", cfg.Content.Backend)
	}
}
