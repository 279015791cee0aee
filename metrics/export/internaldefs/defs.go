package internaldefs

import (
	goShield "github.com/MrEthical07/goShield"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   goShield.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   goShield.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goShield.MetricAuthSuccess, Name: "goshield_auth_success_total", Help: "Successful authentications."},
	{ID: goShield.MetricAuthFailure, Name: "goshield_auth_failure_total", Help: "Rejected authentications."},
	{ID: goShield.MetricVerifySuccess, Name: "goshield_verify_success_total", Help: "Tokens verified."},
	{ID: goShield.MetricVerifyFailure, Name: "goshield_verify_failure_total", Help: "Tokens rejected."},
	{ID: goShield.MetricVerifySSO, Name: "goshield_verify_sso_total", Help: "Tokens verified with the SSO secret."},
	{ID: goShield.MetricHammeringDelay, Name: "goshield_hammering_delay_total", Help: "Responses delayed by the anti-hammering limiter."},
	{ID: goShield.MetricSSOExchangeSuccess, Name: "goshield_sso_exchange_success_total", Help: "Successful SSO key exchanges."},
	{ID: goShield.MetricSSOExchangeFailure, Name: "goshield_sso_exchange_failure_total", Help: "Failed SSO key exchanges."},
	{ID: goShield.MetricSTMConflict, Name: "goshield_stm_conflict_total", Help: "Shared-state writes rejected as stale."},
	{ID: goShield.MetricQueueAcquired, Name: "goshield_queue_acquired_total", Help: "Serialized queue slots acquired."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goShield.MetricVerifyLatency, Name: "goshield_verify_latency_seconds", Help: "Token verification latency."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds. The engine
// keeps one more bucket for everything above the last bound.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket including the overflow bucket.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the engine bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
