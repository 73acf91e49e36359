package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
listen_addr: ":9090"
database_url: "postgres://u:p@localhost:5432/market"
jwt_secret: "file-secret"
admin:
  username: "root"
  password: "rootpass"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.JWTSecret != "file-secret" {
		t.Errorf("expected file-secret, got %s", cfg.JWTSecret)
	}
	if cfg.Admin.Username != "root" || cfg.Admin.Password != "rootpass" {
		t.Errorf("unexpected admin config %+v", cfg.Admin)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
jwt_secret: "file-secret"
admin:
  password: "filepass"
`)

	t.Setenv("GRIDMARKET_JWT_SECRET", "env-secret")
	t.Setenv("GRIDMARKET_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Errorf("env should override file, got %s", cfg.JWTSecret)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override default, got %s", cfg.ListenAddr)
	}
	// File value untouched by unrelated env vars
	if cfg.Admin.Password != "filepass" {
		t.Errorf("expected filepass, got %s", cfg.Admin.Password)
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("GRIDMARKET_JWT_SECRET", "env-secret")
	t.Setenv("GRIDMARKET_ADMIN_PASSWORD", "envpass")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.Admin.Username != "admin" {
		t.Errorf("expected default admin username, got %s", cfg.Admin.Username)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "MissingJWTSecret",
			content: `
admin:
  password: "pass"
`,
		},
		{
			name: "MissingAdminPassword",
			content: `
jwt_secret: "secret"
`,
		},
		{
			name: "EmptyDatabaseURL",
			content: `
jwt_secret: "secret"
database_url: ""
admin:
  password: "pass"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfigFile(t, tt.content)); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
