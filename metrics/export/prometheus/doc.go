// Package prometheus exposes goShield engine metrics as a prometheus.Collector.
//
// Counters are named goshield_*_total and the verify latency histogram is
// goshield_verify_latency_seconds. Each series carries a constant worker
// label. Register the [Collector] in your own registry or mount
// [Collector.Handler].
package prometheus
