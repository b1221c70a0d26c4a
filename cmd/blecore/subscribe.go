package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/pkg/ble"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> [uuid]",
	Short: "Subscribe to characteristic notifications",
	Long: fmt.Sprintf(`Subscribes to BLE characteristic notifications and outputs received data.

Stream modes:
  live     - Output every notification immediately (default)
  batched  - Collect notifications, output at rate interval
  latest   - Keep only latest value per characteristic, output at rate interval

Examples:
  # Subscribe to a single characteristic
  blecore subscribe %s 2a19 --hex

  # Subscribe to several characteristics for 30 seconds
  blecore subscribe %s 2a19,6e400002-b5a3-f393-e0a9-e50e24dcca9e --hex --duration 30s

  # Latest value of each characteristic once per second
  blecore subscribe %s --char 2a19,2a37 --mode latest --rate 1s`,
		exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeCharUUIDs   string // comma-separated
	subscribeHex         bool
	subscribeDuration    time.Duration
	subscribeMode        string
	subscribeRate        time.Duration
)

const defaultSubscribeRate = time.Second

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (optional; auto-resolves if omitted)")
	subscribeCmd.Flags().StringVar(&subscribeCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated (e.g., 2a37,2a38)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this long; 0 runs until Ctrl+C")
	subscribeCmd.Flags().StringVar(&subscribeMode, "mode", "live", "Stream mode: live, batched, or latest")
	subscribeCmd.Flags().DurationVar(&subscribeRate, "rate", defaultSubscribeRate, "Rate limit interval for batched/latest modes")
}

// streamMode selects how notifications are written out.
type streamMode int

const (
	streamLive streamMode = iota
	streamBatched
	streamLatest
)

// parseStreamMode converts the --mode value.
func parseStreamMode(mode string) (streamMode, error) {
	switch strings.ToLower(mode) {
	case "live", "instant", "every":
		return streamLive, nil
	case "batched", "batch":
		return streamBatched, nil
	case "latest", "aggregated":
		return streamLatest, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: use live, batched, or latest", mode)
	}
}

// notification is one pushed value.
type notification struct {
	uuid  string
	value []byte
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]

	var uuidInput string
	switch {
	case len(args) == 2:
		uuidInput = args[1]
	case subscribeCharUUIDs != "":
		uuidInput = subscribeCharUUIDs
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char flag")
	}

	mode, err := parseStreamMode(subscribeMode)
	if err != nil {
		return err
	}
	if mode != streamLive && subscribeRate <= 0 {
		return fmt.Errorf("invalid rate %s: must be positive", subscribeRate)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if subscribeDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, subscribeDuration)
		defer cancel()
	}

	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Subscribing to %s on %s", uuidInput, address), "Connecting")
	progress.Start()
	defer progress.Stop()
	stopPhases := progress.ConnectionPhases(sess.manager)

	err = sess.connect(ctx, address)
	stopPhases()
	if err != nil {
		return err
	}

	targets, err := resolveTargets(sess.manager.State().Connection.Services, uuidInput, subscribeServiceUUID)
	if err != nil {
		return err
	}

	lost := make(chan struct{})
	removeWatch := watchConnectionLoss(sess.manager, lost)
	defer removeWatch()

	updates := make(chan notification, 256)
	subs := make([]*ble.Subscription, 0, len(targets))
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), sess.cfg.BLE.OperationTimeout)
		defer cancel()
		for _, sub := range subs {
			if err := sub.Unsubscribe(unsubCtx); err != nil {
				sess.logger.WithError(err).Debug("Unsubscribe failed")
			}
		}
	}()

	for _, t := range targets {
		uuid := t.Characteristic.UUID
		sub, err := sess.manager.Subscribe(ctx, t.Service, uuid, func(value []byte) {
			select {
			case updates <- notification{uuid: uuid, value: value}:
			default:
				sess.logger.WithField("characteristic", device.ShortUUID(uuid)).Warn("Output is too slow, notification dropped")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", device.ShortUUID(uuid), err)
		}
		subs = append(subs, sub)
	}
	progress.Stop()
	sess.logger.WithField("characteristics", len(subs)).Info("Subscribed, press Ctrl+C to stop")

	p := &notificationPrinter{out: cmd.OutOrStdout(), prefixed: len(targets) > 1}
	return p.run(ctx, mode, updates, lost)
}

// watchConnectionLoss closes lost once the link leaves the connected state.
func watchConnectionLoss(m *ble.Manager, lost chan struct{}) (remove func()) {
	var once sync.Once
	return m.OnStateChange(func(s ble.State) {
		if s.Connection.State == connection.Disconnected {
			once.Do(func() { close(lost) })
		}
	})
}

type notificationPrinter struct {
	out      io.Writer
	prefixed bool

	pending []notification
	latest  map[string][]byte
	order   []string
}

func (p *notificationPrinter) run(ctx context.Context, mode streamMode, updates <-chan notification, lost <-chan struct{}) error {
	var tick <-chan time.Time
	if mode != streamLive {
		ticker := time.NewTicker(subscribeRate)
		defer ticker.Stop()
		tick = ticker.C
	}
	p.latest = make(map[string][]byte)

	for {
		select {
		case <-ctx.Done():
			p.drain(mode, updates)
			return nil
		case <-lost:
			p.drain(mode, updates)
			return ErrConnectionLost
		case n := <-updates:
			p.collect(mode, n)
		case <-tick:
			p.flush()
		}
	}
}

func (p *notificationPrinter) collect(mode streamMode, n notification) {
	switch mode {
	case streamLive:
		p.print(n)
	case streamBatched:
		p.pending = append(p.pending, n)
	case streamLatest:
		if _, seen := p.latest[n.uuid]; !seen {
			p.order = append(p.order, n.uuid)
		}
		p.latest[n.uuid] = n.value
	}
}

// drain collects the notifications still queued, then flushes.
func (p *notificationPrinter) drain(mode streamMode, updates <-chan notification) {
	for {
		select {
		case n := <-updates:
			p.collect(mode, n)
		default:
			p.flush()
			return
		}
	}
}

// flush writes what batched or latest mode collected since the last tick.
func (p *notificationPrinter) flush() {
	for _, n := range p.pending {
		p.print(n)
	}
	p.pending = p.pending[:0]

	for _, uuid := range p.order {
		p.print(notification{uuid: uuid, value: p.latest[uuid]})
		delete(p.latest, uuid)
	}
	p.order = p.order[:0]
}

func (p *notificationPrinter) print(n notification) {
	if p.prefixed {
		fmt.Fprintf(p.out, "%s: ", device.ShortUUID(n.uuid))
	}
	if subscribeHex {
		fmt.Fprintln(p.out, hex.EncodeToString(n.value))
		return
	}
	_, _ = p.out.Write(n.value)
	if p.prefixed {
		fmt.Fprintln(p.out)
	}
}
