package metrics

import (
	"testing"
	"time"
)

func counterValue(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.ObserveAction("uk_companies_house_officers", "ok", 20*time.Millisecond)
	c.ObserveAction("uk_companies_house_officers", "ok", 10*time.Millisecond)
	c.GraphOperation("CREATE_NODE", "created")

	got := counterValue(t, c, "pivot_actions_total", map[string]string{
		"handler": "uk_companies_house_officers",
		"outcome": "ok",
	})
	if got != 2 {
		t.Fatalf("actions = %v, want 2", got)
	}
	got = counterValue(t, c, "pivot_graph_operations_total", map[string]string{
		"kind":   "CREATE_NODE",
		"effect": "created",
	})
	if got != 1 {
		t.Fatalf("graph ops = %v, want 1", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveAction("x", "ok", time.Second)
	c.Resolution("FUSE")
	c.DeadEnd()
	if c.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}
