//go:build monitoring
// +build monitoring

package monitoring

import (
	"errors"
	"net/http"
	"sync"

	"github.com/ecashwallet/walletd/walletcfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var started sync.Once

// ExportPrometheusMetrics registers the given collectors and launches the
// Prometheus exporter on the configured address. Only the first call has an
// effect.
func ExportPrometheusMetrics(cfg *walletcfg.Prometheus,
	collectors ...prometheus.Collector) error {

	var err error
	started.Do(func() {
		for _, c := range collectors {
			regErr := prometheus.Register(c)

			var already prometheus.AlreadyRegisteredError
			if regErr != nil && !errors.As(regErr, &already) {
				err = regErr
				return
			}
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			cfg.Listen)

		http.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(cfg.Listen, nil)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter stopped: %v",
					err)
			}
		}()
	})

	return err
}
