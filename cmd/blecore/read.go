package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/device"
)

const exampleDeviceAddress = "AA:BB:CC:DD:EE:FF"

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [uuid]",
	Short: "Read characteristic values",
	Long: fmt.Sprintf(`Reads BLE characteristic(s) using the chunked transfer convention: the
characteristic is read repeatedly until the device answers with the one-byte
0xFF end marker, or until --size bytes arrived.

Examples:
  # Read Battery Level characteristic
  blecore read %s 2a19 --hex

  # Read several characteristics (comma-separated)
  blecore read %s 2a19,2a29 --hex

  # Read with service disambiguation, at most 1024 bytes
  blecore read %s --service 6e400001-b5a3-f393-e0a9-e50e24dcca9e --char 6e400002-b5a3-f393-e0a9-e50e24dcca9e --size 1024

  # Poll every 500ms
  blecore read %s 2a19 --watch 500ms`,
		exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readCharUUIDs   string // supports comma-separated UUIDs
	readHex         bool
	readSize        int
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated for multiple")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
	readCmd.Flags().IntVar(&readSize, "size", 0, "Expected value size in bytes; 0 reads until the end marker")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	var uuidInput string
	switch {
	case len(args) == 2:
		uuidInput = args[1]
	case readCharUUIDs != "":
		uuidInput = readCharUUIDs
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char flag")
	}

	charUUIDs := parseCSVUUIDs(uuidInput)
	if len(charUUIDs) == 0 {
		return fmt.Errorf("no valid UUIDs provided")
	}
	if readSize < 0 {
		return fmt.Errorf("invalid size %d: must be zero or positive", readSize)
	}

	var watchInterval time.Duration
	if readWatch != "" {
		if len(charUUIDs) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(charUUIDs))
		}
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("invalid watch interval: %s", readWatch)
		}
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

	progressDesc := fmt.Sprintf("Reading %s from %s", uuidInput, address)
	if len(charUUIDs) > 1 {
		progressDesc = fmt.Sprintf("Reading %d characteristics from %s", len(charUUIDs), address)
	}
	progress := NewProgressPrinter(cmd.ErrOrStderr(), progressDesc, "Connecting")
	progress.Start()
	defer progress.Stop()
	stopPhases := progress.ConnectionPhases(sess.manager)

	err = sess.connect(ctx, address)
	stopPhases()
	if err != nil {
		return err
	}

	targets, err := resolveTargets(sess.manager.State().Connection.Services, uuidInput, readServiceUUID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	r := &reader{sess: sess, progress: progress, out: out}

	if watchInterval > 0 {
		progress.Stop()
		return r.watch(ctx, targets[0], watchInterval)
	}

	if len(targets) == 1 {
		data, err := r.read(ctx, targets[0])
		progress.Stop()
		if err != nil {
			return err
		}
		return outputData(out, data)
	}

	for _, t := range targets {
		data, err := r.read(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			// Report the error but continue with the other characteristics
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", device.ShortUUID(t.Characteristic.UUID), err)
			continue
		}
		outputDataWithPrefix(out, t.Characteristic.UUID, data)
	}
	return nil
}

type reader struct {
	sess     *session
	progress *ProgressPrinter
	out      io.Writer
}

func (r *reader) read(ctx context.Context, t target) ([]byte, error) {
	r.progress.SetPhase("Reading")
	data, err := r.sess.manager.Read(ctx, t.Service, t.Characteristic.UUID, readSize, r.progress.Transfer)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", device.ShortUUID(t.Characteristic.UUID), err)
	}
	return data, nil
}

// watch reads t every interval until ctx ends or the link drops.
func (r *reader) watch(ctx context.Context, t target, interval time.Duration) error {
	logger := r.sess.logger
	logger.WithField("interval", interval).Info("Watching characteristic, press Ctrl+C to stop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, err := r.read(ctx, t)
		switch {
		case err == nil:
			if err := outputData(r.out, data); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return nil
		case device.IsKind(err, device.KindNotConnected):
			return ErrConnectionLost
		default:
			logger.WithError(err).Warn("Failed to read characteristic, continuing...")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// outputData formats and outputs data according to flags
func outputData(w io.Writer, data []byte) error {
	if readHex {
		_, err := fmt.Fprintln(w, hex.EncodeToString(data))
		return err
	}
	_, err := w.Write(data)
	return err
}

// outputDataWithPrefix prefixes the value with the short characteristic UUID.
func outputDataWithPrefix(w io.Writer, uuid string, data []byte) {
	prefix := device.ShortUUID(uuid) + ": "
	if readHex {
		fmt.Fprintf(w, "%s%s\n", prefix, hex.EncodeToString(data))
		return
	}
	fmt.Fprint(w, prefix)
	_, _ = w.Write(data)
	fmt.Fprintln(w)
}
