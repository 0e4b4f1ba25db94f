package iosched

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	po, err := NewPrometheusObserver(reg, prometheus.Labels{"device": "0"})
	if err != nil {
		t.Fatalf("NewPrometheusObserver: %v", err)
	}

	po.ObserveRead(4096, 1_000_000, true)
	po.ObserveRead(4096, 1_000_000, false)
	po.ObserveWrite(8192, 2_000_000, true)
	po.ObserveFlush(500_000, true)
	po.ObserveQueueDepth(7)
	po.ObserveInsert()
	po.ObserveInsert()
	po.ObserveDispatch(2, false)
	po.ObserveDispatch(3, true)
	po.ObserveMerge()
	po.ObserveQueueFail()

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"read ok", po.ops.WithLabelValues("read", "ok"), 1},
		{"read error", po.ops.WithLabelValues("read", "error"), 1},
		{"write ok", po.ops.WithLabelValues("write", "ok"), 1},
		{"flush ok", po.ops.WithLabelValues("flush", "ok"), 1},
		{"read bytes", po.bytes.WithLabelValues("read"), 4096},
		{"write bytes", po.bytes.WithLabelValues("write"), 8192},
		{"depth", po.depth, 7},
		{"inserts", po.inserts, 2},
		{"dispatches", po.dispatches.WithLabelValues("false"), 2},
		{"forced dispatches", po.dispatches.WithLabelValues("true"), 3},
		{"merges", po.merges, 1},
		{"queue fails", po.queueFails, 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}

	if n := testutil.CollectAndCount(po.latency); n != 3 {
		t.Errorf("expected 3 latency series, got %d", n)
	}
}

func TestPrometheusObserverDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusObserver(reg, nil); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusObserver(reg, nil); err == nil {
		t.Error("expected an error registering the same metrics twice")
	}

	// one registry serves many devices told apart by a const label
	multi := prometheus.NewRegistry()
	for _, dev := range []string{"0", "1"} {
		if _, err := NewPrometheusObserver(multi, prometheus.Labels{"device": dev}); err != nil {
			t.Errorf("device %s: %v", dev, err)
		}
	}
}
