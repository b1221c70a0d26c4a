package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/pkg/config"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices are listed in discovery order, once each, with the latest
advertisement data. Press Ctrl+C to stop early and print what was found.

Examples:
  # Scan for 5 seconds
  blecore scan -d 5s

  # Only devices advertising the Battery Service, as JSON
  blecore scan -s 180f -f json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from config, 10s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json, csv)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "" && !validFormat(scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, config.OutputFormats)
	}
	serviceUUIDs := make([]string, 0, len(scanServices))
	for _, s := range scanServices {
		u, err := device.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		serviceUUIDs = append(serviceUUIDs, u)
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

	duration := scanDuration
	if duration <= 0 {
		duration = sess.cfg.ScanTimeout
	}
	format := scanFormat
	if format == "" {
		format = sess.cfg.OutputFormat
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", duration)
	progress.Start()
	defer progress.Stop()

	if err := sess.manager.Scan(ctx, serviceUUIDs); err != nil {
		return err
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		sess.logger.Info("Scan interrupted")
	}
	progress.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), sess.cfg.BLE.OperationTimeout)
	defer cancel()
	if err := sess.manager.StopScan(stopCtx); err != nil {
		sess.logger.WithError(err).Warn("Failed to stop scan")
	}

	state := sess.manager.State()
	if e := state.Error; e != nil && (e.Code == device.KindScanError || e.Code == device.KindNotEnabled) {
		return device.NewError(e.Code, "%s", e.Message)
	}
	return displayDevices(cmd.OutOrStdout(), state.Scan.DiscoveredDevices, format)
}

func validFormat(format string) bool {
	for _, f := range config.OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

func displayDevices(w io.Writer, devices []device.DeviceInfo, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if devices == nil {
			devices = []device.DeviceInfo{}
		}
		return encoder.Encode(devices)
	case "csv":
		return displayDevicesCSV(w, devices)
	default:
		return displayDevicesTable(w, devices)
	}
}

func displayDevicesTable(out io.Writer, devices []device.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tCONNECTABLE\tTX POWER")
	fmt.Fprintln(w, strings.Repeat("-", 64))

	for _, dev := range devices {
		name := dev.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		txPower := "-"
		if dev.HasTxPower() {
			txPower = fmt.Sprintf("%d dBm", dev.TxPower)
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n",
			name, dev.ID, dev.RSSI, yesNo(dev.IsConnectable), txPower)
	}
	return w.Flush()
}

func displayDevicesCSV(out io.Writer, devices []device.DeviceInfo) error {
	w := csv.NewWriter(out)
	_ = w.Write([]string{"id", "name", "rssi", "connectable", "tx_power"})
	for _, dev := range devices {
		_ = w.Write([]string{
			dev.ID,
			dev.Name,
			strconv.Itoa(dev.RSSI),
			strconv.FormatBool(dev.IsConnectable),
			strconv.Itoa(dev.TxPower),
		})
	}
	w.Flush()
	return w.Error()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
