package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/device"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services and characteristics of a BLE device",
	Long: `Connects to a BLE device by address and lists its services and
characteristics with their properties. Readable characteristics are read
up to --read-limit bytes.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectJSON      bool
	inspectReadLimit int
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes to read from readable characteristics (0 to disable reads)")
}

type inspectedCharacteristic struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties"`
	Value      string `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
}

type inspectedService struct {
	UUID            string                    `json:"uuid"`
	Characteristics []inspectedCharacteristic `json:"characteristics"`
}

type inspectReport struct {
	ID       string             `json:"id"`
	RSSI     int                `json:"rssi,omitempty"`
	Services []inspectedService `json:"services"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]
	if inspectReadLimit < 0 {
		return fmt.Errorf("invalid read limit %d", inspectReadLimit)
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

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Inspecting device %s", address), "Connecting")
	progress.Start()
	defer progress.Stop()
	stopPhases := progress.ConnectionPhases(sess.manager)

	err = sess.connect(ctx, address)
	stopPhases()
	if err != nil {
		return err
	}

	progress.SetPhase("Reading values")
	report, err := buildReport(ctx, sess, address)
	if err != nil {
		return err
	}
	progress.Stop()

	if inspectJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func buildReport(ctx context.Context, sess *session, address string) (inspectReport, error) {
	report := inspectReport{ID: address}
	if rssi, err := sess.manager.RSSI(ctx); err == nil {
		report.RSSI = rssi
	} else {
		sess.logger.WithError(err).Debug("RSSI read failed")
	}

	for _, svc := range sess.manager.State().Connection.Services {
		is := inspectedService{UUID: svc.UUID, Characteristics: []inspectedCharacteristic{}}
		for _, char := range svc.Characteristics {
			ic := inspectedCharacteristic{UUID: char.UUID, Properties: char.Properties.String()}
			if inspectReadLimit > 0 && char.Properties.CanRead() {
				value, err := sess.manager.Read(ctx, svc.UUID, char.UUID, inspectReadLimit, nil)
				switch {
				case err == nil:
					ic.Value = hex.EncodeToString(value)
				case ctx.Err() != nil:
					return report, err
				default:
					ic.Error = err.Error()
				}
			}
			is.Characteristics = append(is.Characteristics, ic)
		}
		report.Services = append(report.Services, is)
	}
	return report, nil
}

func printReport(w io.Writer, report inspectReport) {
	header := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.Faint)
	failure := color.New(color.FgRed)

	fmt.Fprintf(w, "Device %s", report.ID)
	if report.RSSI != 0 {
		fmt.Fprintf(w, " (%d dBm)", report.RSSI)
	}
	fmt.Fprintln(w)

	if len(report.Services) == 0 {
		fmt.Fprintln(w, "No services discovered")
		return
	}

	for _, svc := range report.Services {
		header.Fprintf(w, "Service %s\n", device.ShortUUID(svc.UUID))
		for _, char := range svc.Characteristics {
			fmt.Fprintf(w, "  %s  %s", device.ShortUUID(char.UUID), dim.Sprintf("[%s]", char.Properties))
			switch {
			case char.Error != "":
				fmt.Fprintf(w, "  %s", failure.Sprintf("error: %s", char.Error))
			case char.Value != "":
				fmt.Fprintf(w, "  = %s", char.Value)
			}
			fmt.Fprintln(w)
		}
	}
}
