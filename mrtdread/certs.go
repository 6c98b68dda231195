package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

var certsCmd = &cobra.Command{
	Use:   "certs DIR",
	Short: "List and resolve CV certificates",
	Long: `List the card verifiable certificates found in DIR.

With --target the path from --cvca (or from a self-issued certificate)
down to the named certificate is resolved, the way Terminal
Authentication presents it to the chip.

Examples:
  mrtdread certs ./cvcerts
  mrtdread certs ./cvcerts --cvca UTCVCA00001 --target UTOIS00001`,
	Args: cobra.ExactArgs(1),
	RunE: runCerts,
}

var (
	certsCVCA   string
	certsTarget string
)

func init() {
	certsCmd.Flags().StringVar(&certsCVCA, "cvca", "", "Trust anchor held by the chip (EF.CVCA name)")
	certsCmd.Flags().StringVar(&certsTarget, "target", "", "Certificate holder reference to resolve")
}

func runCerts(cmd *cobra.Command, args []string) error {
	certs, err := mrtd.LoadCVCertDir(args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, c := range certs {
		fmt.Fprintf(w, "%s\n", c)
	}
	if certsTarget == "" {
		return nil
	}

	var target *mrtd.CVCert
	for _, c := range certs {
		if c.Name == certsTarget {
			target = c
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no certificate named %s in %s", certsTarget, args[0])
	}
	path := mrtd.NewCVChain(certs...).Resolve(certsCVCA, target)
	if path == nil {
		return fmt.Errorf("%s: %w", certsTarget, mrtd.ErrChainResolution)
	}
	fmt.Fprintf(w, "Path:\n")
	for i, c := range path {
		fmt.Fprintf(w, "  %d. %s\n", i+1, c.Name)
	}
	return nil
}
