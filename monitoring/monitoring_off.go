//go:build !monitoring
// +build !monitoring

package monitoring

import (
	"fmt"

	"github.com/ecashwallet/walletd/walletcfg"
	"github.com/prometheus/client_golang/prometheus"
)

// ExportPrometheusMetrics is required for walletd to compile so that
// Prometheus metric exporting can be hidden behind a build tag.
func ExportPrometheusMetrics(_ *walletcfg.Prometheus,
	_ ...prometheus.Collector) error {

	return fmt.Errorf("walletd must be built with the monitoring tag to " +
		"enable exporting Prometheus metrics")
}
