package pipeline

import (
	"sync"
	"testing"
	"time"
)

func testAlertManager(t *testing.T, rules map[string]RuleConfig) *AlertManager {
	t.Helper()
	m, err := NewAlertManager(AlertsConfig{DisableDefaults: true}, rules)
	if err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return aggBase }
	return m
}

func snapWithOverall(m ScopeMetrics) *Snapshot {
	return &Snapshot{
		Timestamp:     aggBase,
		WindowSeconds: 60,
		Overall:       m,
		Services:      map[string]ScopeMetrics{},
		Endpoints:     map[EndpointKey]ScopeMetrics{},
	}
}

func TestAlertTriggerAndResolve(t *testing.T) {
	m := testAlertManager(t, map[string]RuleConfig{
		"err": {Metric: "error_rate", Operator: ">", Threshold: 5, Severity: "high"},
	})

	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 7.5, TotalRequests: 100}))

	active := m.Active()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	a := active[0]
	if a.RuleID != "err" || a.Status != AlertTriggered || a.Value != 7.5 {
		t.Errorf("alert = %+v", a)
	}
	if a.ID == "" {
		t.Error("alert has no ID")
	}

	// Still exceeding: same alert, no duplicate.
	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 8.0, TotalRequests: 100}))
	if got := len(m.Active()); got != 1 {
		t.Fatalf("active after re-check = %d, want 1", got)
	}
	if hist := m.History(0); len(hist) != 1 {
		t.Fatalf("history = %d, want 1", len(hist))
	}

	// Condition clears: alert resolves.
	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 1.0, TotalRequests: 100}))
	if got := len(m.Active()); got != 0 {
		t.Fatalf("active after resolve = %d, want 0", got)
	}

	hist := m.History(0)
	if len(hist) != 1 {
		t.Fatalf("history after resolve = %d, want 1", len(hist))
	}
	if hist[0].Status != AlertResolved || hist[0].ResolvedAt == nil {
		t.Errorf("history entry not resolved: %+v", hist[0])
	}
}

func TestAlertDurationGating(t *testing.T) {
	m := testAlertManager(t, map[string]RuleConfig{
		"err": {Metric: "error_rate", Operator: ">", Threshold: 5, Severity: "high", For: Duration{30 * time.Second}},
	})

	now := aggBase
	m.now = func() time.Time { return now }

	bad := snapWithOverall(ScopeMetrics{ErrorRate: 9, TotalRequests: 100})

	m.Check(bad)
	if len(m.Active()) != 0 {
		t.Fatal("alert fired before duration elapsed")
	}

	now = now.Add(10 * time.Second)
	m.Check(bad)
	if len(m.Active()) != 0 {
		t.Fatal("alert fired at 10s, want gate at 30s")
	}

	now = now.Add(25 * time.Second)
	m.Check(bad)
	if len(m.Active()) != 1 {
		t.Fatal("alert did not fire after duration elapsed")
	}
}

func TestAlertPendingResetsWhenConditionClears(t *testing.T) {
	m := testAlertManager(t, map[string]RuleConfig{
		"err": {Metric: "error_rate", Operator: ">", Threshold: 5, Severity: "high", For: Duration{30 * time.Second}},
	})

	now := aggBase
	m.now = func() time.Time { return now }

	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 9, TotalRequests: 100}))
	now = now.Add(20 * time.Second)
	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 1, TotalRequests: 100}))

	// Exceeds again: the 30s clock restarts.
	now = now.Add(20 * time.Second)
	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 9, TotalRequests: 100}))
	now = now.Add(20 * time.Second)
	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 9, TotalRequests: 100}))
	if len(m.Active()) != 0 {
		t.Fatal("pending state survived a clear check")
	}
}

func TestAlertServiceScope(t *testing.T) {
	m := testAlertManager(t, map[string]RuleConfig{
		"auth_err": {Metric: "error_rate", Operator: ">", Threshold: 5, Severity: "high", Service: "auth"},
	})

	snap := snapWithOverall(ScopeMetrics{ErrorRate: 0, TotalRequests: 100})
	snap.Services["auth"] = ScopeMetrics{ErrorRate: 12, TotalRequests: 50}
	snap.Services["billing"] = ScopeMetrics{ErrorRate: 50, TotalRequests: 4}

	m.Check(snap)

	active := m.Active()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if active[0].Service != "auth" {
		t.Errorf("Service = %q, want auth", active[0].Service)
	}

	// Service disappears from the window: alert resolves.
	m.Check(snapWithOverall(ScopeMetrics{TotalRequests: 100}))
	if len(m.Active()) != 0 {
		t.Error("alert survived scope disappearing")
	}
}

func TestAlertDisabledRuleSkipped(t *testing.T) {
	m := testAlertManager(t, map[string]RuleConfig{
		"err": {Metric: "error_rate", Operator: ">", Threshold: 5, Severity: "high", Disabled: true},
	})

	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 50, TotalRequests: 100}))
	if len(m.Active()) != 0 {
		t.Error("disabled rule triggered")
	}
}

func TestAlertAcknowledge(t *testing.T) {
	m := testAlertManager(t, map[string]RuleConfig{
		"err": {Metric: "error_rate", Operator: ">", Threshold: 5, Severity: "high"},
	})
	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 9, TotalRequests: 100}))

	id := m.Active()[0].ID

	a, err := m.Acknowledge(id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != AlertAcknowledged || a.AcknowledgedAt == nil {
		t.Errorf("ack result = %+v", a)
	}

	// Double-acknowledge is an error.
	if _, err := m.Acknowledge(id); err == nil {
		t.Error("expected error on second acknowledge")
	}
	if _, err := m.Acknowledge("not-an-alert"); err == nil {
		t.Error("expected error for unknown alert")
	}

	// Acknowledged alerts still resolve automatically.
	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 0, TotalRequests: 100}))
	if len(m.Active()) != 0 {
		t.Error("acknowledged alert did not resolve")
	}
	if hist := m.History(1); hist[0].Status != AlertResolved {
		t.Errorf("history status = %s, want resolved", hist[0].Status)
	}
}

func TestAlertTransitionHook(t *testing.T) {
	m := testAlertManager(t, map[string]RuleConfig{
		"err": {Metric: "error_rate", Operator: ">", Threshold: 5, Severity: "high"},
	})

	var mu sync.Mutex
	var transitions []AlertStatus
	m.OnTransition(func(a Alert) {
		mu.Lock()
		transitions = append(transitions, a.Status)
		mu.Unlock()
	})

	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 9, TotalRequests: 100}))
	m.Check(snapWithOverall(ScopeMetrics{ErrorRate: 0, TotalRequests: 100}))

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != AlertTriggered || transitions[1] != AlertResolved {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestAlertHistoryCap(t *testing.T) {
	m := testAlertManager(t, map[string]RuleConfig{
		"err": {Metric: "error_rate", Operator: ">", Threshold: 5, Severity: "high"},
	})

	bad := snapWithOverall(ScopeMetrics{ErrorRate: 9, TotalRequests: 100})
	ok := snapWithOverall(ScopeMetrics{ErrorRate: 0, TotalRequests: 100})
	for i := 0; i < maxAlertHistory+50; i++ {
		m.Check(bad)
		m.Check(ok)
	}

	if got := len(m.History(0)); got != maxAlertHistory {
		t.Errorf("history length = %d, want %d", got, maxAlertHistory)
	}
}

func TestAlertDefaultRulesOverride(t *testing.T) {
	m, err := NewAlertManager(AlertsConfig{}, map[string]RuleConfig{
		"high_error_rate": {Metric: "error_rate", Operator: ">", Threshold: 20, Severity: "critical"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var override *Rule
	for _, r := range m.Rules() {
		if r.ID == "high_error_rate" {
			rr := r
			override = &rr
		}
	}
	if override == nil {
		t.Fatal("high_error_rate missing")
	}
	if override.Threshold != 20 || override.Severity != SeverityCritical {
		t.Errorf("override not applied: %+v", override)
	}
	if len(m.Rules()) != len(defaultRules()) {
		t.Errorf("rules = %d, want %d", len(m.Rules()), len(defaultRules()))
	}
}
