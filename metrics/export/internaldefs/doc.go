// Package internaldefs holds the shared metric name and bucket definitions
// used by the Prometheus and OpenTelemetry exporters.
package internaldefs
