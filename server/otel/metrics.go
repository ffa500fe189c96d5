// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the dispatch service.
type Metrics struct {
	meter metric.Meter

	// Counters
	dispatchedTotal metric.Int64Counter
	deliveredTotal  metric.Int64Counter
	failedTotal     metric.Int64Counter
	queuedTotal     metric.Int64Counter
	expiredTotal    metric.Int64Counter
	drainedTotal    metric.Int64Counter
	ackTracked      metric.Int64Counter
	ackResolved     metric.Int64Counter
	ingestTotal     metric.Int64Counter
	errorsTotal     metric.Int64Counter

	// UpDownCounters (gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	dispatchDuration metric.Float64Histogram
	messageSize      metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("pushmq"),
	}

	var err error

	m.dispatchedTotal, err = m.meter.Int64Counter(
		"pushmq.notifications.dispatched.total",
		metric.WithDescription("Total dispatch operations by target kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchedTotal counter: %w", err)
	}

	m.deliveredTotal, err = m.meter.Int64Counter(
		"pushmq.notifications.delivered.total",
		metric.WithDescription("Total notifications delivered to live connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveredTotal counter: %w", err)
	}

	m.failedTotal, err = m.meter.Int64Counter(
		"pushmq.notifications.failed.total",
		metric.WithDescription("Total deliveries refused by full outbound channels"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failedTotal counter: %w", err)
	}

	m.queuedTotal, err = m.meter.Int64Counter(
		"pushmq.notifications.queued.total",
		metric.WithDescription("Total notifications stored for offline users"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queuedTotal counter: %w", err)
	}

	m.expiredTotal, err = m.meter.Int64Counter(
		"pushmq.notifications.expired.total",
		metric.WithDescription("Total events dropped because their TTL elapsed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expiredTotal counter: %w", err)
	}

	m.drainedTotal, err = m.meter.Int64Counter(
		"pushmq.queue.drained.total",
		metric.WithDescription("Total queued notifications replayed on reconnect"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drainedTotal counter: %w", err)
	}

	m.ackTracked, err = m.meter.Int64Counter(
		"pushmq.acks.tracked.total",
		metric.WithDescription("Total deliveries registered for acknowledgement"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackTracked counter: %w", err)
	}

	m.ackResolved, err = m.meter.Int64Counter(
		"pushmq.acks.resolved.total",
		metric.WithDescription("Total acknowledgement attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackResolved counter: %w", err)
	}

	m.ingestTotal, err = m.meter.Int64Counter(
		"pushmq.ingest.events.total",
		metric.WithDescription("Total events accepted from the pub/sub bus by pattern"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"pushmq.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"pushmq.connections.current",
		metric.WithDescription("Current number of live subscriber connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"pushmq.subscriptions.active",
		metric.WithDescription("Number of active channel subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"pushmq.dispatch.duration.ms",
		metric.WithDescription("Dispatch fan-out duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"pushmq.message.size.bytes",
		metric.WithDescription("Notification payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new subscriber connection.
func (m *Metrics) RecordConnection(transport string) {
	ctx := context.Background()
	m.connectionsCurrent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
}

// RecordDisconnection records a subscriber disconnect.
func (m *Metrics) RecordDisconnection(transport, reason string) {
	ctx := context.Background()
	m.connectionsCurrent.Add(ctx, -1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("reason", reason),
	))
}

// RecordSubscriptionAdded records a new channel subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved records a channel subscription removal.
func (m *Metrics) RecordSubscriptionRemoved() {
	m.subscriptionsActive.Add(context.Background(), -1)
}

// RecordDispatch records the outcome counts of one dispatch operation.
func (m *Metrics) RecordDispatch(target string, delivered, failed, queued int) {
	ctx := context.Background()
	m.dispatchedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
	))
	if delivered > 0 {
		m.deliveredTotal.Add(ctx, int64(delivered))
	}
	if failed > 0 {
		m.failedTotal.Add(ctx, int64(failed))
	}
	if queued > 0 {
		m.queuedTotal.Add(ctx, int64(queued))
	}
}

// RecordExpired records an event dropped because its TTL elapsed.
func (m *Metrics) RecordExpired() {
	m.expiredTotal.Add(context.Background(), 1)
}

// RecordDispatchDuration records the duration of a dispatch fan-out.
func (m *Metrics) RecordDispatchDuration(durationMs float64) {
	m.dispatchDuration.Record(context.Background(), durationMs)
}

// RecordMessageSize records a notification payload size.
func (m *Metrics) RecordMessageSize(sizeBytes int64) {
	m.messageSize.Record(context.Background(), sizeBytes)
}

// RecordQueueDrained records queued notifications replayed on reconnect.
func (m *Metrics) RecordQueueDrained(count int) {
	if count > 0 {
		m.drainedTotal.Add(context.Background(), int64(count))
	}
}

// RecordAckTracked records a delivery registered for acknowledgement.
func (m *Metrics) RecordAckTracked() {
	m.ackTracked.Add(context.Background(), 1)
}

// RecordAckResolved records an acknowledgement attempt by result.
func (m *Metrics) RecordAckResolved(result string) {
	m.ackResolved.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordIngest records an event accepted from the pub/sub bus.
func (m *Metrics) RecordIngest(pattern string) {
	m.ingestTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("pattern", pattern),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
