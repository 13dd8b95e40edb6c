package observe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry metrics SDK.
type ProviderConfig struct {
	// ServiceName is reported in telemetry. Default: "moco".
	ServiceName    string
	ServiceVersion string

	// ListenAddr, when set, serves the Prometheus /metrics endpoint.
	ListenAddr string

	Logger *slog.Logger
}

// InitProvider installs a global [sdkmetric.MeterProvider] backed by the
// Prometheus exporter and, when cfg.ListenAddr is set, starts an HTTP server
// for /metrics. The returned function flushes the provider and stops the
// server.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "moco"
	}
	log := OrDefault(cfg.Logger)

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	shutdownFuncs := []func(context.Context) error{mp.Shutdown}

	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			_ = mp.Shutdown(ctx)
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "err", err)
			}
		}()
		log.Info("serving metrics", "addr", ln.Addr().String())
		shutdownFuncs = append(shutdownFuncs, srv.Shutdown)
	}

	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			errs = append(errs, shutdownFuncs[i](ctx))
		}
		return errors.Join(errs...)
	}
	return shutdown, nil
}

func noopProvider() metric.MeterProvider {
	return noop.NewMeterProvider()
}
