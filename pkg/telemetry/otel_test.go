package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-relay/pkg/domain"
)

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "relay"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestStartSpanTagsPair(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "broker.match", domain.Pair{Server: "srv", Application: "web"})
	EndSpan(span, domain.PermissionError(domain.CodePermissionDenied, "nope"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "srv", attrs["relay.server"])
	assert.Equal(t, "web", attrs["relay.application"])
	assert.Equal(t, domain.CodePermissionDenied, attrs["relay.error_code"])

	_, plain := StartSpan(context.Background(), "plain", domain.Pair{})
	EndSpan(plain, errors.New("boom"))
	assert.Len(t, recorder.Ended(), 2)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "***", MaskSecret("short"))
	assert.Equal(t, "abcd***wxyz", MaskSecret("abcdefghijklmnopqrstuvwxyz"))
}
