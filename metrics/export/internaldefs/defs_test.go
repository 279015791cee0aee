package internaldefs

import (
	"strings"
	"testing"

	goShield "github.com/MrEthical07/goShield"
)

func TestCounterDefsCoverEveryCounter(t *testing.T) {
	seen := map[goShield.MetricID]bool{}
	for _, def := range CounterDefs {
		if seen[def.ID] {
			t.Fatalf("duplicate counter %d", def.ID)
		}
		seen[def.ID] = true
		if !strings.HasPrefix(def.Name, "goshield_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("unexpected counter name %q", def.Name)
		}
	}
	if seen[goShield.MetricVerifyLatency] {
		t.Fatal("latency must not be exported as a counter")
	}
	if len(CounterDefs) != int(goShield.MetricVerifyLatency) {
		t.Fatalf("expected %d counters, got %d", goShield.MetricVerifyLatency, len(CounterDefs))
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(HistogramUpperBounds)+1 != len(HistogramBoundSuffix) {
		t.Fatal("bounds and suffixes out of sync")
	}
}
