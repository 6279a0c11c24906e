package tracing

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config is read from the standard OTEL_* variables. An empty Endpoint
// leaves spans unexported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	InstanceID     string
	Endpoint       string
	Insecure       bool
	SampleRatio    float64
}

func NewConfig(serviceName string) *Config {
	cfg := &Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Environment:    "development",
		InstanceID:     os.Getenv("HOSTNAME"),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:       true,
		SampleRatio:    1,
	}
	if v, ok := os.LookupEnv("OTEL_SERVICE_NAME"); ok && v != "" {
		cfg.ServiceName = v
	}
	if v, ok := os.LookupEnv("OTEL_SERVICE_VERSION"); ok && v != "" {
		cfg.ServiceVersion = v
	}
	if v, ok := os.LookupEnv("ENVIRONMENT"); ok && v != "" {
		cfg.Environment = v
	}
	if v, err := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); err == nil {
		cfg.Insecure = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACE_SAMPLE_RATIO"), 64); err == nil {
		cfg.SampleRatio = v
	}
	return cfg
}

func (c *Config) Enabled() bool {
	return c.Endpoint != ""
}

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("tracing: service name is empty")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample ratio %v outside [0,1]", c.SampleRatio)
	}
	return nil
}
