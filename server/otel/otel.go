// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxc2/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const exportTimeout = 30 * time.Second

// Resource attribute keys describing which C2 channel a process serves.
const (
	TopicKey     = attribute.Key("c2.topic")
	ProjectKey   = attribute.Key("c2.project")
	TransportKey = attribute.Key("c2.transport")
)

// InitProvider installs the global tracer and meter providers for the
// daemon described by cfg and returns their combined shutdown.
func InitProvider(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	creds, err := exporterCredentials(cfg.Server)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error
	shutdownAll := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if cfg.Server.OtelTracesEnabled {
		traceShutdown, err := initTracerProvider(ctx, cfg.Server, creds, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, traceShutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.Server.OtelMetricsEnabled {
		meterShutdown, err := initMeterProvider(ctx, cfg.Server, creds, res)
		if err != nil {
			_ = shutdownAll(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, meterShutdown)
	}

	return shutdownAll, nil
}

// newResource identifies the process by deployment and the channel it
// drives, so exports from several front-ends can be told apart.
func newResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.Server.OtelServiceName),
		semconv.ServiceVersionKey.String(cfg.Server.OtelServiceVersion),
		semconv.ServiceInstanceIDKey.String(cfg.C2.Deployment),
		semconv.DeploymentEnvironmentKey.String(cfg.C2.Deployment),
		TopicKey.String(cfg.C2.Topic),
		TransportKey.String(cfg.Transport.Type),
	}
	if cfg.C2.Project != "" {
		attrs = append(attrs, ProjectKey.String(cfg.C2.Project))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// exporterCredentials returns nil for a plaintext collector connection.
// Otherwise it returns TLS credentials, using OtelCAFile as the trust root
// when set and the system pool when not.
func exporterCredentials(cfg config.ServerConfig) (credentials.TransportCredentials, error) {
	if cfg.OtelInsecure {
		return nil, nil
	}
	if cfg.OtelCAFile == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	creds, err := credentials.NewClientTLSFromFile(cfg.OtelCAFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load OTLP CA file: %w", err)
	}
	return creds, nil
}

func initTracerProvider(ctx context.Context, cfg config.ServerConfig, creds credentials.TransportCredentials, res *resource.Resource) (func(context.Context) error, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.MetricsAddr),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.OtelTraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(5*time.Second),
		),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func initMeterProvider(ctx context.Context, cfg config.ServerConfig, creds credentials.TransportCredentials, res *resource.Resource) (func(context.Context) error, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.MetricsAddr),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if creds == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(10*time.Second),
		)),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
