// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fluxc2/buildlog"
	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fluxc2"

var (
	_ c2.Metrics       = (*Metrics)(nil)
	_ buildlog.Metrics = (*Metrics)(nil)
	_ events.Sink      = (*Metrics)(nil)
)

// Metrics holds OpenTelemetry instruments for the control plane and the
// build log ingester. It also counts operator events.
type Metrics struct {
	meter metric.Meter

	messagesHandled metric.Int64Counter
	commandsSent    metric.Int64Counter
	callbackEvents  metric.Int64Counter
	eventsTotal     metric.Int64Counter
	buildUpdates    metric.Int64Counter
	buildRecords    metric.Int64Histogram
}

// NewMetrics creates the instruments on provider, or on the global meter
// provider when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: provider.Meter(meterName),
	}

	var err error

	m.messagesHandled, err = m.meter.Int64Counter(
		"c2.messages.handled.total",
		metric.WithDescription("Inbound C2 messages by command and settlement"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesHandled counter: %w", err)
	}

	m.commandsSent, err = m.meter.Int64Counter(
		"c2.commands.sent.total",
		metric.WithDescription("Commands published to cluster agents"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsSent counter: %w", err)
	}

	m.callbackEvents, err = m.meter.Int64Counter(
		"c2.callbacks.total",
		metric.WithDescription("Callback lifecycle events"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbackEvents counter: %w", err)
	}

	m.eventsTotal, err = m.meter.Int64Counter(
		"c2.events.total",
		metric.WithDescription("Operator events by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsTotal counter: %w", err)
	}

	m.buildUpdates, err = m.meter.Int64Counter(
		"c2.builds.updated.total",
		metric.WithDescription("Terminal build statuses applied from the log feed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create buildUpdates counter: %w", err)
	}

	m.buildRecords, err = m.meter.Int64Histogram(
		"c2.builds.records.updated",
		metric.WithDescription("Build records touched per terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create buildRecords histogram: %w", err)
	}

	return m, nil
}

// MessageHandled records the settlement of an inbound message.
func (m *Metrics) MessageHandled(command string, outcome c2.Outcome) {
	m.messagesHandled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome.String()),
	))
}

// CommandSent records an outbound command.
func (m *Metrics) CommandSent(command string) {
	m.commandsSent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", command),
	))
}

// CallbackEvent records a callback lifecycle event.
func (m *Metrics) CallbackEvent(event string) {
	m.callbackEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", event),
	))
}

// BuildStatusUpdated records a terminal build status.
func (m *Metrics) BuildStatusUpdated(status string, records int) {
	ctx := context.Background()
	m.buildUpdates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	m.buildRecords.Record(ctx, int64(records))
}

// Notify counts an operator event.
func (m *Metrics) Notify(ctx context.Context, ev events.Event) error {
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", ev.Type()),
	))
	return nil
}
