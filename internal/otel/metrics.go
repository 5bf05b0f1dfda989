package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metrics "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

var (
	ProcessInstancesStarted   metrics.Int64Counter
	ProcessInstancesCompleted metrics.Int64Counter
	ProcessInstancesFailed    metrics.Int64Counter
	TasksDispatched           metrics.Int64Counter
	TasksFailed               metrics.Int64Counter
	TaskDuration              metrics.Float64Histogram
	CompensationRuns          metrics.Int64Counter
	InstancesMigrated         metrics.Int64Counter

	engineMeter string = "engine-meter"
)

type Otel struct {
	meterProvider *metric.MeterProvider
}

func SetupOtel(appName string) (*Otel, error) {
	o := Otel{}
	var err error

	o.meterProvider, err = setupMeterProvider(appName)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(o.meterProvider)
	return &o, nil
}

func (o *Otel) Stop(ctx context.Context) {
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
		o.meterProvider = nil
	}
}

func setupMeterProvider(appName string) (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to set up prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(appName),
		attribute.String("library.language", "go"),
	))
	if err != nil {
		return nil, err
	}

	meterProvider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)

	var errJoin error
	ProcessInstancesStarted, err = otel.Meter(engineMeter).Int64Counter("process_instances_started_total", metrics.WithDescription("Process instances started"))
	errJoin = errors.Join(errJoin, err)
	ProcessInstancesCompleted, err = otel.Meter(engineMeter).Int64Counter("process_instances_completed_total", metrics.WithDescription("Process instances completed"))
	errJoin = errors.Join(errJoin, err)
	ProcessInstancesFailed, err = otel.Meter(engineMeter).Int64Counter("process_instances_failed_total", metrics.WithDescription("Process instances failed"))
	errJoin = errors.Join(errJoin, err)
	TasksDispatched, err = otel.Meter(engineMeter).Int64Counter("tasks_dispatched_total", metrics.WithDescription("Task instances dispatched to the executor"))
	errJoin = errors.Join(errJoin, err)
	TasksFailed, err = otel.Meter(engineMeter).Int64Counter("tasks_failed_total", metrics.WithDescription("Task instances that failed"))
	errJoin = errors.Join(errJoin, err)
	TaskDuration, err = otel.Meter(engineMeter).Float64Histogram("task_duration_milliseconds", metrics.WithDescription("Task execution duration from creation to completion"), metrics.WithUnit("ms"))
	errJoin = errors.Join(errJoin, err)
	CompensationRuns, err = otel.Meter(engineMeter).Int64Counter("compensation_runs_total", metrics.WithDescription("Compensation runs finished"))
	errJoin = errors.Join(errJoin, err)
	InstancesMigrated, err = otel.Meter(engineMeter).Int64Counter("instances_migrated_total", metrics.WithDescription("Process instances migrated between versions"))
	errJoin = errors.Join(errJoin, err)
	if errJoin != nil {
		return nil, fmt.Errorf("failed to create otel instruments: %w", errJoin)
	}
	return meterProvider, nil
}
