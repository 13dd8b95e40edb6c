// Package observe provides logging and OpenTelemetry metrics for training
// runs. Metrics are recorded through the OTel Metrics API; [InitProvider]
// bridges them to a Prometheus exporter so a running job can be scraped on
// /metrics. Tests should build [Metrics] with [NewMetrics] on a private
// [metric.MeterProvider].
package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "moco"

// Metrics holds the instruments recorded by the trainer and the runner.
type Metrics struct {
	// StepDuration is the wall time of one training step in seconds.
	StepDuration metric.Float64Histogram

	// Steps counts training steps, with attribute ready=true|false.
	Steps metric.Int64Counter

	// Loss records the contrastive loss of every ready step.
	Loss metric.Float64Histogram

	// DictionarySize tracks the number of stored negatives.
	DictionarySize metric.Int64UpDownCounter

	// Evicted counts dictionary entries dropped from the head.
	Evicted metric.Int64Counter

	// EpochLoss, Top1, Top5 and LearningRate are recorded once per epoch.
	EpochLoss    metric.Float64Gauge
	Top1         metric.Float64Gauge
	Top5         metric.Float64Gauge
	LearningRate metric.Float64Gauge
}

var stepBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StepDuration, err = m.Float64Histogram("moco.train.step.duration",
		metric.WithDescription("Wall time of one training step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Steps, err = m.Int64Counter("moco.train.steps",
		metric.WithDescription("Training steps, split by dictionary readiness."),
	); err != nil {
		return nil, err
	}
	if met.Loss, err = m.Float64Histogram("moco.train.loss",
		metric.WithDescription("Contrastive loss of ready steps."),
	); err != nil {
		return nil, err
	}
	if met.DictionarySize, err = m.Int64UpDownCounter("moco.dictionary.size",
		metric.WithDescription("Number of negatives held in the dictionary."),
	); err != nil {
		return nil, err
	}
	if met.Evicted, err = m.Int64Counter("moco.dictionary.evicted",
		metric.WithDescription("Dictionary entries dropped to restore capacity."),
	); err != nil {
		return nil, err
	}
	if met.EpochLoss, err = m.Float64Gauge("moco.epoch.loss",
		metric.WithDescription("Mean training loss of the last epoch."),
	); err != nil {
		return nil, err
	}
	if met.Top1, err = m.Float64Gauge("moco.epoch.acc1",
		metric.WithDescription("kNN top-1 accuracy of the last epoch."),
		metric.WithUnit("%"),
	); err != nil {
		return nil, err
	}
	if met.Top5, err = m.Float64Gauge("moco.epoch.acc5",
		metric.WithDescription("kNN top-5 accuracy of the last epoch."),
		metric.WithUnit("%"),
	); err != nil {
		return nil, err
	}
	if met.LearningRate, err = m.Float64Gauge("moco.optimizer.lr",
		metric.WithDescription("Learning rate in effect for the next epoch."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Default returns metrics on the global meter provider. Instrument creation
// on the global provider does not fail in practice; if it does, a no-op
// provider is used.
func Default() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		m, _ = NewMetrics(noopProvider())
	}
	return m
}

// RecordStep records one training step.
func (m *Metrics) RecordStep(ctx context.Context, seconds float64, ready bool, loss float64, added, evicted int) {
	attrs := metric.WithAttributes(attribute.Bool("ready", ready))
	m.StepDuration.Record(ctx, seconds, attrs)
	m.Steps.Add(ctx, 1, attrs)
	if ready {
		m.Loss.Record(ctx, loss)
	}
	m.DictionarySize.Add(ctx, int64(added-evicted))
	if evicted > 0 {
		m.Evicted.Add(ctx, int64(evicted))
	}
}

// RecordEpoch records the per-epoch summary.
func (m *Metrics) RecordEpoch(ctx context.Context, epoch int, loss, top1, top5, lr float64) {
	attrs := metric.WithAttributes(attribute.Int("epoch", epoch))
	m.EpochLoss.Record(ctx, loss, attrs)
	m.Top1.Record(ctx, top1, attrs)
	m.Top5.Record(ctx, top5, attrs)
	m.LearningRate.Record(ctx, lr, attrs)
}
