package wallet

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// instrumentation holds the spans and counters the pipeline emits
// around each operation. By default it runs entirely in-process: a
// sdk/metric ManualReader with no OTLP exporter, so the core never
// depends on a collector process existing. The reader is held inside
// this package; no option exists to replace the MeterProvider.
type instrumentation struct {
	tracer   trace.Tracer
	grants   metric.Int64Counter
	denials  metric.Int64Counter
	approval metric.Int64Counter
	reader   *sdkmetric.ManualReader
}

func newInstrumentation() *instrumentation {
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tracerProvider := sdktrace.NewTracerProvider()

	meter := meterProvider.Meter("github.com/checkout/credential-wallet/core/pkg/wallet")
	grants, _ := meter.Int64Counter("wallet.credential_requests.granted")
	denials, _ := meter.Int64Counter("wallet.credential_requests.denied")
	approval, _ := meter.Int64Counter("wallet.credential_requests.require_approval")

	return &instrumentation{
		tracer:   tracerProvider.Tracer("github.com/checkout/credential-wallet/core/pkg/wallet"),
		grants:   grants,
		denials:  denials,
		approval: approval,
		reader:   reader,
	}
}

func (i *instrumentation) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name)
}

func (i *instrumentation) recordDecision(ctx context.Context, credential, decision string) {
	attrs := metric.WithAttributes(attribute.String("credential_name", credential))
	switch decision {
	case "allow", "granted":
		i.grants.Add(ctx, 1, attrs)
	case "deny", "denied":
		i.denials.Add(ctx, 1, attrs)
	case "require_approval":
		i.approval.Add(ctx, 1, attrs)
	}
}
