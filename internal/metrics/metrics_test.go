package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func counterValue(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			total := 0.0
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}

func findFamily(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.PoolExhausted()
	if v := counterValue(t, b, "asyncloop_pool_exhausted_total"); v != 0 {
		t.Errorf("registries are shared: %v", v)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c := New()
	c.UpdatePoolStats(3, 2, 5, 1)

	if v := gaugeValue(t, c, "asyncloop_connections_active"); v != 3 {
		t.Errorf("active %v", v)
	}
	if v := gaugeValue(t, c, "asyncloop_connections_idle"); v != 2 {
		t.Errorf("idle %v", v)
	}
	if v := gaugeValue(t, c, "asyncloop_connections_total"); v != 5 {
		t.Errorf("total %v", v)
	}
	if v := gaugeValue(t, c, "asyncloop_pool_waiting"); v != 1 {
		t.Errorf("waiting %v", v)
	}
}

func TestUpdateLoopStatsComputesDeltas(t *testing.T) {
	c := New()
	c.UpdateLoopStats(10, 4, 6, 2, 3, 1)
	c.UpdateLoopStats(15, 6, 9, 2, 0, 0)

	if v := counterValue(t, c, "asyncloop_loop_iterations_total"); v != 15 {
		t.Errorf("iterations %v, want 15", v)
	}
	if v := counterValue(t, c, "asyncloop_timers_fired_total"); v != 6 {
		t.Errorf("timers %v, want 6", v)
	}
	if v := gaugeValue(t, c, "asyncloop_pending_timers"); v != 0 {
		t.Errorf("pending timers gauge %v", v)
	}
}

func TestBackendHealthGauge(t *testing.T) {
	c := New()
	c.SetBackendHealth(true)
	if v := gaugeValue(t, c, "asyncloop_backend_health"); v != 1 {
		t.Errorf("healthy gauge %v", v)
	}
	c.SetBackendHealth(false)
	if v := gaugeValue(t, c, "asyncloop_backend_health"); v != 0 {
		t.Errorf("unhealthy gauge %v", v)
	}
}

func TestQueryDurationHistogram(t *testing.T) {
	c := New()
	c.QueryDuration("query", 5*time.Millisecond)
	c.QueryDuration("query", 10*time.Millisecond)

	mf := findFamily(t, c, "asyncloop_query_duration_seconds")
	if mf == nil {
		t.Fatal("histogram not registered")
	}
	if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sample count %d, want 2", got)
	}
}

func TestHealthCheckMetrics(t *testing.T) {
	c := New()
	c.HealthCheckCompleted(2*time.Millisecond, true)
	c.HealthCheckCompleted(3*time.Millisecond, false)
	c.HealthCheckError("timeout")

	if v := counterValue(t, c, "asyncloop_health_check_errors_total"); v != 1 {
		t.Errorf("error counter %v", v)
	}
	mf := findFamily(t, c, "asyncloop_health_check_duration_seconds")
	if mf == nil || len(mf.GetMetric()) != 2 {
		t.Fatalf("expected healthy and unhealthy series, got %v", mf)
	}
}

func TestFileAndHTTPCounters(t *testing.T) {
	c := New()
	c.FileOpCompleted("read")
	c.FileOpCompleted("read")
	c.HTTPCompleted("success")
	c.SetHTTPInflight(4)

	if v := counterValue(t, c, "asyncloop_file_ops_total"); v != 2 {
		t.Errorf("file ops %v", v)
	}
	if v := counterValue(t, c, "asyncloop_http_requests_total"); v != 1 {
		t.Errorf("http requests %v", v)
	}
	if v := gaugeValue(t, c, "asyncloop_http_inflight"); v != 4 {
		t.Errorf("http inflight %v", v)
	}
}
