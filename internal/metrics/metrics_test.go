package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestUpdatePoolStats(t *testing.T) {
	c := New()
	c.UpdatePoolStats("primary", 3, 2, 5, 1)

	gatherAndFind(t, c, "evloop_mysql_connections_active", func(m *dto.Metric) {
		if m.GetGauge().GetValue() != 3 {
			t.Errorf("got active=%v, want 3", m.GetGauge().GetValue())
		}
	})
	gatherAndFind(t, c, "evloop_mysql_connections_waiting", func(m *dto.Metric) {
		if m.GetGauge().GetValue() != 1 {
			t.Errorf("got waiting=%v, want 1", m.GetGauge().GetValue())
		}
	})
}

func TestPoolExhausted(t *testing.T) {
	c := New()
	c.PoolExhausted("primary")
	c.PoolExhausted("primary")

	gatherAndFind(t, c, "evloop_mysql_pool_exhausted_total", func(m *dto.Metric) {
		if m.GetCounter().GetValue() != 2 {
			t.Errorf("got exhausted=%v, want 2", m.GetCounter().GetValue())
		}
	})
}

func TestAuthCompleted(t *testing.T) {
	c := New()
	c.AuthCompleted("caching_sha2_password", true)
	c.AuthCompleted("caching_sha2_password", false)

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != "evloop_mysql_auth_total" {
			continue
		}
		for _, m := range f.Metric {
			total += m.GetCounter().GetValue()
		}
	}
	if total != 2 {
		t.Errorf("got total auth count %v, want 2", total)
	}
}

func TestSetTargetHealth(t *testing.T) {
	c := New()
	c.SetTargetHealth("primary", true)
	gatherAndFind(t, c, "evloop_mysql_target_health", func(m *dto.Metric) {
		if m.GetGauge().GetValue() != 1 {
			t.Errorf("got health=%v, want 1", m.GetGauge().GetValue())
		}
	})

	c.SetTargetHealth("primary", false)
	gatherAndFind(t, c, "evloop_mysql_target_health", func(m *dto.Metric) {
		if m.GetGauge().GetValue() != 0 {
			t.Errorf("got health=%v, want 0", m.GetGauge().GetValue())
		}
	})
}

func TestLoopTick(t *testing.T) {
	c := New()
	c.LoopTick(5 * time.Millisecond)

	gatherAndFind(t, c, "evloop_loop_tick_duration_seconds", func(m *dto.Metric) {
		if m.GetHistogram().GetSampleCount() != 1 {
			t.Errorf("got sample count %v, want 1", m.GetHistogram().GetSampleCount())
		}
	})
}

func TestRemoveTarget(t *testing.T) {
	c := New()
	c.UpdatePoolStats("primary", 1, 1, 2, 0)
	c.RemoveTarget("primary")

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "evloop_mysql_connections_active" {
			continue
		}
		if len(f.Metric) != 0 {
			t.Errorf("expected no series after RemoveTarget, got %d", len(f.Metric))
		}
	}
}

func gatherAndFind(t *testing.T, c *Collector, name string, check func(*dto.Metric)) {
	t.Helper()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		if len(f.Metric) == 0 {
			t.Fatalf("metric %s has no series", name)
		}
		check(f.Metric[0])
		return
	}
	t.Fatalf("metric %s not found", name)
}
