package core

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetricsRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)

	// CounterVecs only surface in Gather() once a label combination has
	// been observed at least once.
	MetricBlocksDecided.WithLabelValues("test").Add(0)
	MetricNoVotes.WithLabelValues("test").Add(0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	want := []string{
		"shardbft_blocks_decided_total",
		"shardbft_no_votes_total",
		"shardbft_lock_conflicts_total",
		"shardbft_quorum_certificates_total",
		"shardbft_transaction_pool_size",
		"shardbft_view_timeouts_total",
	}
	for _, w := range want {
		if !names[w] {
			t.Errorf("expected metric %q to be registered", w)
		}
	}
}

func TestRegisterMetricsPanicsOnDoubleRegistrationOfSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected registering the same collectors twice against one registry to panic")
		}
	}()
	RegisterMetrics(reg)
}
