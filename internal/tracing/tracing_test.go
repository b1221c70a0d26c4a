package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantNoop bool
		wantErr  bool
	}{
		{name: "disabled", cfg: Config{Enabled: false}, wantNoop: true},
		{name: "noop exporter", cfg: Config{Enabled: true, Exporter: "noop"}, wantNoop: true},
		{name: "empty exporter", cfg: Config{Enabled: true}, wantNoop: true},
		{name: "stdout exporter", cfg: Config{Enabled: true, Exporter: "stdout"}},
		{name: "unsupported exporter", cfg: Config{Enabled: true, Exporter: "jaeger"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = shutdown(context.Background()) }()

			if tt.wantNoop {
				_, ok := otel.GetTracerProvider().(noop.TracerProvider)
				assert.True(t, ok, "MUST install the noop provider")
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	//nolint:staticcheck // nil context is accepted
	ctx, span := StartSpan(nil, "ble.transaction",
		trace.WithAttributes(StringAttr("ble.tx.id", "tx-1"), IntAttr("ble.tx.size", 4)))
	require.NotNil(t, ctx)

	assert.NotPanics(t, func() {
		SetOK(span)
		RecordError(span, errors.New("boom"))
		span.End()
	})
}
