package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/device"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic, split into chunks of --chunk bytes.
Each chunk is acknowledged by the device before the next one is sent.

Examples:
  # Write a string
  blecore write %s 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello"

  # Write hex data in 20-byte chunks
  blecore write %s 6e400002-b5a3-f393-e0a9-e50e24dcca9e "01 02 03" --hex --chunk 20`,
		exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeChunkSize   int
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk", 0, "Chunk size in bytes; default 0 uses chunk_size from config")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, charUUID := args[0], args[1]

	data, err := parseWriteData(args[2])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("data required: nothing to write")
	}
	if writeChunkSize < 0 {
		return fmt.Errorf("invalid chunk size %d", writeChunkSize)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Writing %d bytes to %s on %s", len(data), charUUID, address), "Connecting")
	progress.Start()
	defer progress.Stop()
	stopPhases := progress.ConnectionPhases(sess.manager)

	err = sess.connect(ctx, address)
	stopPhases()
	if err != nil {
		return err
	}

	t, err := resolveTarget(sess.manager.State().Connection.Services, charUUID, writeServiceUUID)
	if err != nil {
		return err
	}
	if !t.Characteristic.Properties.CanWrite() {
		return device.NewError(device.KindOperationNotAllowed,
			"characteristic %s does not support write operations", device.ShortUUID(t.Characteristic.UUID))
	}

	progress.SetPhase("Writing")
	if err := sess.manager.Write(ctx, t.Service, t.Characteristic.UUID, data, writeChunkSize, progress.Transfer); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	progress.Stop()

	fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
	return nil
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}
