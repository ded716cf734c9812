// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing 封装 OpenTelemetry：进程级 TracerProvider 与各组件的 span 入口
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ops-platform"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OTLP/HTTP exporter 并设为全局 TracerProvider
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartDeliverySpan 一次规则目标投递（含重试）
func StartDeliverySpan(ctx context.Context, eventID, rule, target string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "bus.deliver",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("rule.name", rule),
			attribute.String("target.id", target),
		),
	)
}

// StartExecutionSpan 工作流执行的根 span
func StartExecutionSpan(ctx context.Context, workflow, executionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.name", workflow),
			attribute.String("execution.id", executionID),
		),
	)
}

// StartStepSpan 单个步骤
func StartStepSpan(ctx context.Context, step, stepType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step.name", step),
			attribute.String("step.type", stepType),
		),
	)
}

// EndSpan 结束 span，err 非空时记录错误状态
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
