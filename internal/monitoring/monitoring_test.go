package monitoring

import "testing"

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}

	if metrics.ChannelsEstablished == nil {
		t.Error("Expected ChannelsEstablished to be initialized")
	}
	if metrics.ChannelsRemoved == nil {
		t.Error("Expected ChannelsRemoved to be initialized")
	}
	if metrics.ActiveChannels == nil {
		t.Error("Expected ActiveChannels to be initialized")
	}
	if metrics.MessagesSent == nil {
		t.Error("Expected MessagesSent to be initialized")
	}
	if metrics.MessagesReceived == nil {
		t.Error("Expected MessagesReceived to be initialized")
	}
	if metrics.SyncRequests == nil {
		t.Error("Expected SyncRequests to be initialized")
	}
	if metrics.UpdatesApplied == nil {
		t.Error("Expected UpdatesApplied to be initialized")
	}
	if metrics.DeniedByRules == nil {
		t.Error("Expected DeniedByRules to be initialized")
	}
	if metrics.ReadyStateChanges == nil {
		t.Error("Expected ReadyStateChanges to be initialized")
	}
	if metrics.SyncLatency == nil {
		t.Error("Expected SyncLatency to be initialized")
	}
}

func TestNewMetricsInstancesDoNotCollide(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.ChannelsEstablished.Inc()
	if testutilGather(t, a) == testutilGather(t, b) {
		t.Fatal("expected independent registries to diverge after mutating only one")
	}
}

func testutilGather(t *testing.T, m *Metrics) int {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	count := 0
	for _, f := range families {
		for _, metric := range f.Metric {
			if metric.Counter != nil {
				count += int(metric.Counter.GetValue())
			}
		}
	}
	return count
}
