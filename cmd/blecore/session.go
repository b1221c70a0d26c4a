package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecore/internal/driver/goble"
	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/tracing"
	"github.com/srg/blecore/pkg/ble"
	"github.com/srg/blecore/pkg/config"
)

// newDriver creates the native driver every command runs on. Tests replace it.
var newDriver = func(logger *logrus.Logger) native.Driver {
	return goble.New(logger)
}

// session owns one initialized Manager for the lifetime of a command.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	manager *ble.Manager

	shutdownTracing func(context.Context) error
}

func newSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	shutdown, err := tracing.Setup(ctx, cfg.TracingSetup())
	if err != nil {
		return nil, err
	}

	module, err := ble.NewModule(newDriver(logger), cfg.ModuleOptions(logger)...)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	s := &session{
		cfg:             cfg,
		logger:          logger,
		manager:         ble.NewManager(module),
		shutdownTracing: shutdown,
	}
	if err := s.manager.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// connect connects to address and waits until services are discovered.
func (s *session) connect(ctx context.Context, address string) error {
	s.logger.WithField("address", address).Info("Connecting")
	return s.manager.ConnectAndWait(ctx, address, s.cfg.BLE.MTU)
}

// Close disconnects, disposes the module and flushes spans. It ignores the
// command context so that cleanup still runs after Ctrl+C.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BLE.DisconnectTimeout)
	defer cancel()

	if err := s.manager.Disconnect(ctx); err != nil {
		s.logger.WithError(err).Debug("Disconnect during cleanup failed")
	}
	if err := s.manager.Dispose(); err != nil {
		s.logger.WithError(err).Debug("Dispose failed")
	}
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.WithError(err).Warn("Tracing shutdown failed")
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
