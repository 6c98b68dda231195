package main

import (
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a dump offline",
	Long: `Run passive authentication over files previously written by
'mrtdread read --out' or the emulator.

The dump directory holds EF.SOD.bin and any of EF.COM.bin, DG1.bin ...
DG16.bin. Without --csca only the EF.SOD signature and the data group
hashes are checked.

Examples:
  mrtdread verify --dir ./dump
  mrtdread verify --dir ./dump --csca ./csca --strict`,
	RunE: runVerify,
}

var (
	verifyDir    string
	verifyCSCA   string
	verifyStrict bool
)

func init() {
	verifyCmd.Flags().StringVar(&verifyDir, "dir", "", "Dump directory (required)")
	verifyCmd.Flags().StringVar(&verifyCSCA, "csca", "", "Directory of trusted CSCA certificates")
	verifyCmd.Flags().BoolVar(&verifyStrict, "strict", false, "Fail when a hashed data group is missing from the dump")
	_ = verifyCmd.MarkFlagRequired("dir")
}

func runVerify(cmd *cobra.Command, args []string) error {
	var trusted []*x509.Certificate
	if verifyCSCA != "" {
		var err error
		if trusted, err = loadCertDir(verifyCSCA); err != nil {
			return fmt.Errorf("load CSCA certificates: %w", err)
		}
		slog.Debug("Loaded CSCA store", "dir", verifyCSCA, "certificates", len(trusted))
	}
	return verifyDump(cmd.OutOrStdout(), verifyDir, trusted, verifyStrict)
}

func verifyDump(w io.Writer, dir string, trusted []*x509.Certificate, strict bool) error {
	dgs, err := readDump(dir)
	if err != nil {
		return err
	}
	printDocument(w, dgs)

	raw, _ := dgs.Get(mrtd.EFSOD)
	sod, err := mrtd.VerifySOD(raw, dgs, trusted, strict)
	if err != nil {
		return fmt.Errorf("passive authentication failed: %w", err)
	}
	var chain []*x509.Certificate
	if len(trusted) > 0 {
		if chain, err = sod.VerifyChain(trusted); err != nil {
			return err
		}
	}
	printSOD(w, sod, chain)
	return nil
}
