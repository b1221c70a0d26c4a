package ble

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/connection"
	"github.com/srg/blecore/internal/eventbus"
	"github.com/srg/blecore/internal/transaction"
)

type settings struct {
	logger *logrus.Logger

	operationTimeout  time.Duration
	connectTimeout    time.Duration
	connectAttempts   int
	disconnectTimeout time.Duration
	chunkSize         int

	autoReconnect      bool
	reconnectInterval  time.Duration
	breakerMaxFailures uint32
	breakerOpenTimeout time.Duration

	eventBuffer uint32
}

func defaultSettings() settings {
	return settings{
		operationTimeout:  transaction.DefaultTimeout,
		connectTimeout:    connection.DefaultConnectTimeout,
		connectAttempts:   connection.DefaultConnectAttempts,
		disconnectTimeout: connection.DefaultDisconnectTimeout,
		autoReconnect:     true,
		eventBuffer:       eventbus.DefaultBufferSize,
	}
}

// Option configures a Module.
type Option func(*settings)

func WithLogger(logger *logrus.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithOperationTimeout bounds every native step of a GATT transaction.
// A negative value disables the timeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *settings) { s.operationTimeout = d }
}

// WithConnectTimeout bounds each connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *settings) { s.connectTimeout = d }
}

// WithConnectAttempts sets how many native connects a connection tries.
func WithConnectAttempts(n int) Option {
	return func(s *settings) { s.connectAttempts = n }
}

func WithDisconnectTimeout(d time.Duration) Option {
	return func(s *settings) { s.disconnectTimeout = d }
}

// WithChunkSize sets the write chunk size used when a Write passes 0.
func WithChunkSize(n int) Option {
	return func(s *settings) { s.chunkSize = n }
}

// WithAutoReconnect toggles reconnecting after an unexpected link loss.
func WithAutoReconnect(enabled bool) Option {
	return func(s *settings) { s.autoReconnect = enabled }
}

// WithReconnectPolicy tunes attempt pacing and the reconnect circuit breaker.
func WithReconnectPolicy(interval time.Duration, maxFailures uint32, openTimeout time.Duration) Option {
	return func(s *settings) {
		s.reconnectInterval = interval
		s.breakerMaxFailures = maxFailures
		s.breakerOpenTimeout = openTimeout
	}
}

// WithEventBuffer sets how many events are kept for slow listeners.
func WithEventBuffer(size uint32) Option {
	return func(s *settings) { s.eventBuffer = size }
}
