package telemetry

import (
	"context"
	"errors"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"ocrgate/pkg/config"
)

// TracerName 是任务编排使用的 tracer 名字
const TracerName = "ocrgate"

// Init 初始化 OTLP/HTTP 导出器, 设置全局 TracerProvider 和 propagator.
// 没有配置 endpoint 时返回一个空的 shutdown, 全局 tracer 保持 noop.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	endpoint := u.Host
	if endpoint == "" {
		// 没写 scheme 的 host:port
		endpoint = u.Path
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure || u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp, err := NewTracerProvider(exporter, cfg.ServiceName, version)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// NewTracerProvider 用给定的 exporter 构造 TracerProvider, 测试里传入内存 exporter
func NewTracerProvider(exporter sdktrace.SpanExporter, serviceName, version string) (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	), nil
}
