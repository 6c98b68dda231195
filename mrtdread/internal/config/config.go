package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Access modes.
const (
	ModePACECAN = "pace-can"
	ModePACEMRZ = "pace-mrz"
	ModeBAC     = "bac"
)

// Terminal Authentication signer types.
const (
	SignerFile   = "file"
	SignerPKCS11 = "pkcs11"
)

type Config struct {
	Access       AccessConfig       `yaml:"access"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	PassiveAuth  PassiveAuthConfig  `yaml:"passive_auth"`
	ChipAuth     ChipAuthConfig     `yaml:"chip_auth"`
	TerminalAuth TerminalAuthConfig `yaml:"terminal_auth"`
}

type AccessConfig struct {
	Mode string    `yaml:"mode"`
	CAN  string    `yaml:"can"`
	MRZ  MRZConfig `yaml:"mrz"`
}

type MRZConfig struct {
	DocumentNumber string `yaml:"document_number"`
	BirthDate      string `yaml:"birth_date"`
	ExpiryDate     string `yaml:"expiry_date"`
}

type RuntimeConfig struct {
	ReaderIndex *int `yaml:"reader_index"`
}

type PassiveAuthConfig struct {
	CSCADir string `yaml:"csca_dir"`
	Strict  bool   `yaml:"strict"`
}

type ChipAuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TerminalAuthConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Binding    string       `yaml:"binding"`
	CertDir    string       `yaml:"cert_dir"`
	ISCertFile string       `yaml:"is_cert_file"`
	Signer     SignerConfig `yaml:"signer"`
}

type SignerConfig struct {
	Type    string       `yaml:"type"`
	KeyFile string       `yaml:"key_file"`
	PKCS11  PKCS11Config `yaml:"pkcs11"`
}

type PKCS11Config struct {
	ModulePath string `yaml:"module_path"`
	TokenLabel string `yaml:"token_label"`
	KeyLabel   string `yaml:"key_label"`
	KeyID      string `yaml:"key_id"`
	PIN        string `yaml:"pin"`
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Runtime.ReaderIndex == nil {
		return fmt.Errorf("config.runtime.reader_index is required")
	}
	if *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}
	if err := c.validateAccess(); err != nil {
		return err
	}
	if c.PassiveAuth.CSCADir != "" {
		if err := validateDir(c.PassiveAuth.CSCADir, "config.passive_auth.csca_dir"); err != nil {
			return err
		}
	}
	if c.TerminalAuth.Enabled {
		if !c.ChipAuth.Enabled {
			return fmt.Errorf("config.terminal_auth.enabled requires config.chip_auth.enabled")
		}
		return c.validateTerminalAuth()
	}
	return nil
}

func (c *Config) validateAccess() error {
	switch c.Access.Mode {
	case ModePACECAN:
		// An empty CAN is prompted for.
		for _, r := range c.Access.CAN {
			if r < '0' || r > '9' {
				return fmt.Errorf("config.access.can must be numeric")
			}
		}
	case ModePACEMRZ, ModeBAC:
		m := c.Access.MRZ
		if strings.TrimSpace(m.DocumentNumber) == "" {
			return fmt.Errorf("config.access.mrz.document_number is required for mode %s", c.Access.Mode)
		}
		if len(m.BirthDate) != 6 {
			return fmt.Errorf("config.access.mrz.birth_date must be YYMMDD")
		}
		if len(m.ExpiryDate) != 6 {
			return fmt.Errorf("config.access.mrz.expiry_date must be YYMMDD")
		}
	case "":
		return fmt.Errorf("config.access.mode is required")
	default:
		return fmt.Errorf("config.access.mode must be %s, %s or %s, got %q", ModePACECAN, ModePACEMRZ, ModeBAC, c.Access.Mode)
	}
	return nil
}

func (c *Config) validateTerminalAuth() error {
	ta := c.TerminalAuth
	switch ta.Binding {
	case "static", "dynamic":
	default:
		return fmt.Errorf("config.terminal_auth.binding must be static or dynamic, got %q", ta.Binding)
	}
	if ta.Binding == "dynamic" && c.Access.Mode == ModeBAC {
		return fmt.Errorf("config.terminal_auth.binding dynamic requires PACE")
	}
	if err := validateDir(ta.CertDir, "config.terminal_auth.cert_dir"); err != nil {
		return err
	}
	if err := validateReadableFile(ta.ISCertFile, "config.terminal_auth.is_cert_file"); err != nil {
		return err
	}
	switch ta.Signer.Type {
	case SignerFile:
		return validateReadableFile(ta.Signer.KeyFile, "config.terminal_auth.signer.key_file")
	case SignerPKCS11:
		p := ta.Signer.PKCS11
		if err := validateReadableFile(p.ModulePath, "config.terminal_auth.signer.pkcs11.module_path"); err != nil {
			return err
		}
		if p.KeyLabel == "" && p.KeyID == "" {
			return fmt.Errorf("config.terminal_auth.signer.pkcs11 needs key_label or key_id")
		}
		return nil
	default:
		return fmt.Errorf("config.terminal_auth.signer.type must be %s or %s, got %q", SignerFile, SignerPKCS11, ta.Signer.Type)
	}
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.PassiveAuth.CSCADir = resolvePath(configDir, c.PassiveAuth.CSCADir)
	c.TerminalAuth.CertDir = resolvePath(configDir, c.TerminalAuth.CertDir)
	c.TerminalAuth.ISCertFile = resolvePath(configDir, c.TerminalAuth.ISCertFile)
	c.TerminalAuth.Signer.KeyFile = resolvePath(configDir, c.TerminalAuth.Signer.KeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	if path == "" {
		return fmt.Errorf("%s is required", field)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

func validateDir(path string, field string) error {
	if path == "" {
		return fmt.Errorf("%s is required", field)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s must point to a directory", field)
	}
	return nil
}
