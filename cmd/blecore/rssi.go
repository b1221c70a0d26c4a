package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rssiCmd = &cobra.Command{
	Use:   "rssi <device-address>",
	Short: "Read the signal strength of a connection",
	Long: fmt.Sprintf(`Connects to a device and reads the RSSI of the link.

Example:
  blecore rssi %s`, exampleDeviceAddress),
	Args: cobra.ExactArgs(1),
	RunE: runRSSI,
}

func runRSSI(cmd *cobra.Command, args []string) error {
	address := args[0]
	cmd.SilenceUsage = true

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Reading RSSI of "+address, "Connecting")
	progress.Start()
	defer progress.Stop()

	if err := sess.connect(ctx, address); err != nil {
		return err
	}

	rssi, err := sess.manager.RSSI(ctx)
	if err != nil {
		return fmt.Errorf("failed to read RSSI: %w", err)
	}
	progress.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "%d dBm\n", rssi)
	return nil
}
