// Package metrics provides lock-free counters and a verify-latency histogram.
//
// Counters live in cache-line-padded uint64 slots and are incremented with
// sync/atomic. The histogram uses 8 fixed buckets (<=5ms up to +Inf). Export
// to Prometheus and OTel lives in metrics/export and reads Snapshot values.
package metrics
