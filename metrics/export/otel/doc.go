// Package otel exports goShield engine metrics through an OpenTelemetry meter.
//
// [NewExporter] registers one observable counter per engine counter and one
// gauge per latency bucket. A single callback reads the engine snapshot on
// each collection. The caller owns the MeterProvider.
package otel
