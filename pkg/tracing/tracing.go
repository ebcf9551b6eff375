// Package tracing 提供基于OpenTelemetry的分布式追踪初始化
//
// 库存引擎的每个公开操作都会产生一个Span（含锁等待与事务耗时），
// 调用方（下单流程）把自己的Span上下文通过context传入即可串成完整链路。
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InitTracerProvider 初始化并注册全局TracerProvider（Jaeger后端）
//
// 参数：
//
//	serviceName: 服务名（在Jaeger UI中标识本服务）
//	endpoint: Jaeger Collector地址（如 http://localhost:14268/api/traces）
func InitTracerProvider(serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		// 全量采样；生产环境应换成按比例采样
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		// 批量上报，减少导出开销
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
