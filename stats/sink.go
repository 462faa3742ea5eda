package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// LogSink writes one structured log line per non-zero counter and one per
// sampler key, following the JSON-formatted logrus style of
// core/system_health_logging.go in the teacher repo.
type LogSink struct {
	log *logrus.Logger
}

// NewLogSink builds a LogSink over the given logger. A nil logger falls
// back to logrus.StandardLogger().
func NewLogSink(log *logrus.Logger) *LogSink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogSink{log: log}
}

func (s *LogSink) WriteCounters(counters map[string]int64, since time.Time) error {
	for name, v := range counters {
		if v == 0 {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"counter": name,
			"value":   v,
			"since":   since,
		}).Info("stat counter")
	}
	return nil
}

func (s *LogSink) WriteSamples(samples map[string][]int64) error {
	for name, vs := range samples {
		if len(vs) == 0 {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"sampler": name,
			"count":   len(vs),
			"last":    vs[len(vs)-1],
		}).Info("stat sample")
	}
	return nil
}

// PrometheusSink mirrors core/system_health_logging.go's HealthLogger: a
// private registry exposed over an HTTP handler, with one GaugeVec for
// counters (flushed gauges rather than native prometheus counters, since
// Registry already owns monotonic accumulation) and one for the most
// recent sample.
type PrometheusSink struct {
	registry      *prometheus.Registry
	counterGauge  *prometheus.GaugeVec
	sampleGauge   *prometheus.GaugeVec
}

// NewPrometheusSink builds a PrometheusSink with its own private registry
// so it can be mounted under any mux path without clashing with the
// default global registry.
func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	counterGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "latticenode_stat_counter",
		Help: "Current value of a (type, detail, direction) stat counter.",
	}, []string{"name"})
	sampleGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "latticenode_stat_sample_last",
		Help: "Most recent value appended to a named sampler.",
	}, []string{"name"})
	reg.MustRegister(counterGauge, sampleGauge)
	return &PrometheusSink{registry: reg, counterGauge: counterGauge, sampleGauge: sampleGauge}
}

// Registry exposes the underlying prometheus.Registry for mounting
// promhttp.HandlerFor in an HTTP server.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

func (s *PrometheusSink) WriteCounters(counters map[string]int64, _ time.Time) error {
	for name, v := range counters {
		s.counterGauge.WithLabelValues(name).Set(float64(v))
	}
	return nil
}

func (s *PrometheusSink) WriteSamples(samples map[string][]int64) error {
	for name, vs := range samples {
		if len(vs) == 0 {
			continue
		}
		s.sampleGauge.WithLabelValues(name).Set(float64(vs[len(vs)-1]))
	}
	return nil
}

// StartMetricsServer exposes sink's registry on a /metrics endpoint at
// addr, mirroring core/system_health_logging.go's HealthLogger.
// StartMetricsServer. An empty addr disables the server.
func StartMetricsServer(sink *PrometheusSink, addr string, log *logrus.Logger) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops a server returned by
// StartMetricsServer. A nil srv (metrics disabled) is a no-op.
func ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
