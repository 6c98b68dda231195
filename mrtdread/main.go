// Command mrtdread reads and verifies ICAO 9303 travel document chips.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	verbose   bool
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "mrtdread",
	Short: "Read and verify electronic travel documents",
	Long: `mrtdread talks to ICAO 9303 chips through a PC/SC reader.

It establishes access with PACE or BAC, reads the data groups over secure
messaging, runs Chip and Terminal Authentication and verifies EF.SOD
against a CSCA store.

Examples:
  # Full inspection driven by a config file
  mrtdread read --config ./config.yaml --out ./dump

  # Verify a dump offline
  mrtdread verify --dir ./dump --csca ./csca --strict

  # Compute an MRZ check digit
  mrtdread checkdigit L898902C3`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		opts := &slog.HandlerOptions{Level: level}
		switch logFormat {
		case "json":
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		case "text":
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		default:
			return fmt.Errorf("--log-format must be text or json, got %q", logFormat)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(checkDigitCmd)
	rootCmd.AddCommand(certsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
