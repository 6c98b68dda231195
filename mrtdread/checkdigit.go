package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

var checkDigitCmd = &cobra.Command{
	Use:   "checkdigit FIELD...",
	Short: "Compute MRZ check digits",
	Long: `Compute the ICAO 9303 check digit (weights 7, 3, 1) of each field.

Examples:
  mrtdread checkdigit L898902C3 740812 120415`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheckDigit,
}

func runCheckDigit(cmd *cobra.Command, args []string) error {
	for _, field := range args {
		d, err := mrtd.CheckDigit(field)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %c\n", field, d)
	}
	return nil
}
