package config

// OtelConfig configures trace export. Tracing is off when ExporterEndpoint
// is empty.
type OtelConfig struct {
	// ExporterEndpoint is the OTLP HTTP endpoint, e.g. http://localhost:4318.
	ExporterEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	ServiceName      string  `env:"OTEL_SERVICE_NAME" envDefault:"branchgraph"`
	SamplingRate     float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
}

// Enabled reports whether an OTLP endpoint is configured.
func (c OtelConfig) Enabled() bool {
	return c.ExporterEndpoint != ""
}
