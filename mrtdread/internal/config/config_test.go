package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTerminalAuthConfigAndResolveRelativePaths(t *testing.T) {
	tmp := t.TempDir()
	for _, dir := range []string{"csca", "cvcerts"} {
		if err := os.Mkdir(filepath.Join(tmp, dir), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	for _, f := range []string{"cvcerts/IS.cvcert", "is_key.pem"} {
		if err := os.WriteFile(filepath.Join(tmp, f), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}

	cfg, err := Load(writeConfig(t, tmp, `
access:
  mode: pace-can
  can: "123456"
runtime:
  reader_index: 1
passive_auth:
  csca_dir: csca
  strict: true
chip_auth:
  enabled: true
terminal_auth:
  enabled: true
  binding: dynamic
  cert_dir: cvcerts
  is_cert_file: cvcerts/IS.cvcert
  signer:
    type: file
    key_file: is_key.pem
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if want := filepath.Join(tmp, "cvcerts", "IS.cvcert"); cfg.TerminalAuth.ISCertFile != want {
		t.Fatalf("expected resolved IS certificate path %q, got %q", want, cfg.TerminalAuth.ISCertFile)
	}
	if want := filepath.Join(tmp, "is_key.pem"); cfg.TerminalAuth.Signer.KeyFile != want {
		t.Fatalf("expected resolved key path %q, got %q", want, cfg.TerminalAuth.Signer.KeyFile)
	}
	if !cfg.PassiveAuth.Strict || *cfg.Runtime.ReaderIndex != 1 {
		t.Fatalf("expected strict passive auth on reader 1, got %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "access:\n  mode: bac\n  pin: 1\nruntime:\n  reader_index: 0\n",
			want: "field pin not found",
		},
		{
			name: "missing reader",
			yaml: "access:\n  mode: pace-can\n",
			want: "config.runtime.reader_index is required",
		},
		{
			name: "bad mode",
			yaml: "access:\n  mode: pin\nruntime:\n  reader_index: 0\n",
			want: "config.access.mode must be",
		},
		{
			name: "non numeric CAN",
			yaml: "access:\n  mode: pace-can\n  can: 12a456\nruntime:\n  reader_index: 0\n",
			want: "config.access.can must be numeric",
		},
		{
			name: "bac without MRZ",
			yaml: "access:\n  mode: bac\nruntime:\n  reader_index: 0\n",
			want: "config.access.mrz.document_number is required",
		},
		{
			name: "terminal auth without chip auth",
			yaml: "access:\n  mode: pace-can\nruntime:\n  reader_index: 0\nterminal_auth:\n  enabled: true\n",
			want: "requires config.chip_auth.enabled",
		},
		{
			name: "dynamic binding with BAC",
			yaml: "access:\n  mode: bac\n  mrz:\n    document_number: L898902C3\n    birth_date: \"740812\"\n    expiry_date: \"120415\"\n" +
				"runtime:\n  reader_index: 0\nchip_auth:\n  enabled: true\nterminal_auth:\n  enabled: true\n  binding: dynamic\n",
			want: "binding dynamic requires PACE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadAllowsPromptedCAN(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), "access:\n  mode: pace-can\nruntime:\n  reader_index: 0\n"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Access.CAN != "" {
		t.Fatalf("expected empty CAN, got %q", cfg.Access.CAN)
	}
}
