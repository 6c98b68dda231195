package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/barnettlynn/mrtdtools/mrtdread/internal/config"
	"github.com/barnettlynn/mrtdtools/mrtdread/internal/signer"
	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

const configFileName = "config.yaml"

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Inspect a document on a PC/SC reader",
	Long: `Run a complete inspection: PACE or BAC, data group reads, Chip and
Terminal Authentication as configured, then passive authentication.

The config file defaults to config.yaml next to the executable or in the
working directory. When access.mode is pace-can and access.can is empty
the CAN is prompted for.

Examples:
  mrtdread read
  mrtdread read --config ./config.yaml --out ./dump --portrait face.jp2`,
	RunE: runRead,
}

var (
	readConfig   string
	readOut      string
	readPortrait string
)

func init() {
	readCmd.Flags().StringVar(&readConfig, "config", "", "Path to config.yaml")
	readCmd.Flags().StringVar(&readOut, "out", "", "Write the files read to this directory")
	readCmd.Flags().StringVar(&readPortrait, "portrait", "", "Write the DG2 facial image to this file")
}

func runRead(cmd *cobra.Command, args []string) error {
	configPath := readConfig
	if configPath == "" {
		var err error
		if configPath, err = defaultConfigPath(); err != nil {
			return fmt.Errorf("resolve config path failed: %w", err)
		}
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Using config: %s\n", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	conn, err := mrtd.Connect(*cfg.Runtime.ReaderIndex)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(w, "Using reader [%d]: %s\n", conn.ReaderIdx, conn.Reader)

	dgs, err := inspect(cmd.Context(), conn, cfg, w, promptCAN)
	if err != nil {
		return describe(err)
	}
	if readOut != "" {
		if err := writeDump(readOut, dgs); err != nil {
			return fmt.Errorf("write dump: %w", err)
		}
		fmt.Fprintf(w, "Dump:       %s\n", readOut)
	}
	if readPortrait != "" {
		dg2, ok := dgs.Get(mrtd.DG2)
		if !ok {
			return fmt.Errorf("DG2 was not read")
		}
		img, err := mrtd.Portrait(dg2)
		if err != nil {
			return err
		}
		if err := os.WriteFile(readPortrait, img, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// inspect runs the configured session on card and returns the files read.
func inspect(ctx context.Context, card mrtd.Card, cfg *config.Config, w io.Writer, prompt func() (string, error)) (*mrtd.DataGroups, error) {
	r := mrtd.NewReader(card, mrtd.WithProgress(func(msg string) {
		slog.Info("Progress", "step", msg)
	}))

	if err := establish(r, cfg.Access, prompt); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.ReadDataGroups(); err != nil {
		return nil, err
	}
	if cfg.ChipAuth.Enabled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.ChipAuthenticate(); err != nil {
			return nil, err
		}
		fmt.Fprintln(w, "Chip Authentication: OK")
	}
	if cfg.TerminalAuth.Enabled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := terminalAuthenticate(r, cfg.TerminalAuth); err != nil {
			return nil, err
		}
		fmt.Fprintln(w, "Terminal Authentication: OK")
	}

	printDocument(w, r.DataGroups())

	var trusted []*x509.Certificate
	if cfg.PassiveAuth.CSCADir != "" {
		var err error
		if trusted, err = loadCertDir(cfg.PassiveAuth.CSCADir); err != nil {
			return nil, fmt.Errorf("load CSCA certificates: %w", err)
		}
	}
	sod, err := r.VerifySOD(trusted, cfg.PassiveAuth.Strict)
	if err != nil {
		return r.DataGroups(), fmt.Errorf("passive authentication failed: %w", err)
	}
	var chain []*x509.Certificate
	if len(trusted) > 0 {
		if chain, err = sod.VerifyChain(trusted); err != nil {
			return r.DataGroups(), err
		}
	}
	printSOD(w, sod, chain)
	return r.DataGroups(), nil
}

func establish(r *mrtd.Reader, a config.AccessConfig, prompt func() (string, error)) error {
	switch a.Mode {
	case config.ModePACECAN:
		can := a.CAN
		if can == "" {
			var err error
			if can, err = prompt(); err != nil {
				return err
			}
		}
		pw, err := mrtd.CANPassword(can)
		if err != nil {
			return err
		}
		return r.EstablishPACE(pw, mrtd.PasswordCAN)
	case config.ModePACEMRZ:
		pw, err := mrtd.MRZPassword(a.MRZ.DocumentNumber, a.MRZ.BirthDate, a.MRZ.ExpiryDate)
		if err != nil {
			return err
		}
		return r.EstablishPACE(pw, mrtd.PasswordMRZ)
	case config.ModeBAC:
		seed, err := mrtd.MRZKeySeed(a.MRZ.DocumentNumber, a.MRZ.BirthDate, a.MRZ.ExpiryDate)
		if err != nil {
			return err
		}
		return r.EstablishBAC(seed)
	}
	return fmt.Errorf("unsupported access mode %q", a.Mode)
}

func terminalAuthenticate(r *mrtd.Reader, ta config.TerminalAuthConfig) error {
	binding, err := mrtd.ParseBinding(ta.Binding)
	if err != nil {
		return err
	}
	certs, err := mrtd.LoadCVCertDir(ta.CertDir)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(ta.ISCertFile)
	if err != nil {
		return err
	}
	is, err := mrtd.ParseCVCert(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", ta.ISCertFile, err)
	}
	slog.Debug("Loaded CV certificates", "dir", ta.CertDir, "count", len(certs), "is", is.Name)

	var s mrtd.Signer
	switch ta.Signer.Type {
	case config.SignerPKCS11:
		p := ta.Signer.PKCS11
		ps, err := signer.OpenPKCS11(signer.PKCS11Config{
			ModulePath: p.ModulePath,
			TokenLabel: p.TokenLabel,
			KeyLabel:   p.KeyLabel,
			KeyID:      p.KeyID,
			PIN:        p.PIN,
		})
		if err != nil {
			return err
		}
		defer ps.Close()
		s = ps
	default:
		if s, err = signer.NewFileSigner(ta.Signer.KeyFile); err != nil {
			return err
		}
	}
	return r.TerminalAuthenticate(mrtd.NewCVChain(certs...), is, s, binding)
}

func promptCAN() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("access.can is empty and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "CAN: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// describe logs the protocol and step of an authentication failure.
func describe(err error) error {
	if protocol, step, ok := mrtd.ClassifyAuthError(err); ok {
		slog.Error("Authentication failed", "protocol", protocol, "step", step, "security", mrtd.IsSecurityError(err))
	}
	return err
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
