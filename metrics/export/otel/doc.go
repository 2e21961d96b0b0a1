// Package otel bridges engine metrics into OpenTelemetry as observable
// instruments read on collection, so the hot path stays plain atomics.
package otel
