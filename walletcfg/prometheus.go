package walletcfg

import "fmt"

// DefaultPrometheusListen is the default address of the metrics exporter.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus configures the Prometheus exporter. It only takes effect in
// binaries built with the monitoring tag.
type Prometheus struct {
	// Enable turns on the exporter.
	Enable bool `long:"enable" description:"Export Prometheus metrics"`

	// Listen is the address the exporter serves /metrics on.
	Listen string `long:"listen" description:"The interface and port the Prometheus exporter listens on"`
}

// DefaultPrometheus returns the exporter settings, disabled by default.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Enabled reports whether metrics should be exported.
func (p *Prometheus) Enabled() bool {
	return p.Enable
}

// Validate checks that an enabled exporter has an address.
func (p *Prometheus) Validate() error {
	if p.Enable && p.Listen == "" {
		return fmt.Errorf("prometheus.listen must be set")
	}

	return nil
}

// Compile-time constraint to ensure Prometheus implements the Validator
// interface.
var _ Validator = (*Prometheus)(nil)
