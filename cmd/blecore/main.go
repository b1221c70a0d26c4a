package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set by the release build through -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion turns a bare release number such as 1.2.3 into v1.2.3.
// Named builds like "dev" are returned unchanged.
func formatVersion(ver string) string {
	if ver == "" || ver[0] < '0' || ver[0] > '9' {
		return ver
	}
	return "v" + ver
}

var rootCmd = &cobra.Command{
	Use:   "blecore <command> [flags]",
	Short: "Talk to a BLE peripheral from the terminal",
	Long: `blecore drives a single BLE peripheral through the blecore client core.

The device commands (inspect, read, write, subscribe, rssi) open one
connection, wait until services are discovered, run their GATT work and
disconnect. Requests are queued and executed strictly one after another,
so output order always matches request order.

Values are raw bytes by default, or hex with --hex. Long writes are split
into chunks (--chunk, or chunk_size in the config file).

Start with "blecore scan" to find a device address, then pass it to the
other commands. Timeouts, MTU and reconnect behaviour can be set in a
YAML file given with --config.`,
	Example: `  blecore scan --duration 5s
  blecore inspect AA:BB:CC:DD:EE:FF
  blecore read AA:BB:CC:DD:EE:FF 2a19 --hex`,
	Version:       formatVersion(version),
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("blecore %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("config", "", "YAML configuration file")
	flags.Bool("no-color", false, "Plain output without ANSI colors")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version and exit")

	rootCmd.AddCommand(
		scanCmd,
		inspectCmd,
		readCmd,
		writeCmd,
		subscribeCmd,
		rssiCmd,
	)
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// interrupted by the user
	default:
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
