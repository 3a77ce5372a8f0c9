package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertStatus is the lifecycle state of a raised alert.
type AlertStatus string

const (
	AlertTriggered    AlertStatus = "triggered"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is one raised rule violation. Service and Endpoint are empty for
// overall-scope rules.
type Alert struct {
	ID        string      `json:"alert_id"`
	RuleID    string      `json:"rule_id"`
	RuleName  string      `json:"rule_name"`
	Metric    string      `json:"metric"`
	Operator  string      `json:"operator"`
	Threshold float64     `json:"threshold"`
	Value     float64     `json:"value"`
	Severity  Severity    `json:"severity"`
	Service   string      `json:"service_name,omitempty"`
	Endpoint  string      `json:"api_endpoint,omitempty"`
	Status    AlertStatus `json:"status"`
	Message   string      `json:"message"`

	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

type alertState int

const (
	stateInactive alertState = iota
	statePending
	stateFiring
)

type alertInstance struct {
	state        alertState
	pendingSince time.Time
	alert        *Alert
}

const maxAlertHistory = 1000

// AlertManager evaluates rules against snapshots and tracks the
// lifecycle of the alerts they raise.
type AlertManager struct {
	mu        sync.Mutex // protects instances, history and deferred
	rules     []Rule
	instances map[string]*alertInstance
	history   []*Alert
	deferred  []func() // slow side effects collected under mu, executed after release
	now       func() time.Time

	checks    int64
	triggered int64
	resolved  int64

	onTransition func(a Alert) // called on triggered / resolved with a copy
}

// AlertManagerStats is a point-in-time view of the manager's counters.
type AlertManagerStats struct {
	Rules          int
	ActiveAlerts   int
	ChecksRun      int64
	TotalTriggered int64
	TotalResolved  int64
}

// NewAlertManager builds the rule set from the built-in defaults overlaid
// with the configured rules. A configured rule with the same ID as a
// default replaces it.
func NewAlertManager(cfg AlertsConfig, ruleCfgs map[string]RuleConfig) (*AlertManager, error) {
	m := &AlertManager{
		instances: make(map[string]*alertInstance),
		deferred:  make([]func(), 0, 8),
		now:       time.Now,
	}

	byID := make(map[string]Rule)
	if !cfg.DisableDefaults {
		for _, r := range defaultRules() {
			byID[r.ID] = r
		}
	}
	for id, rc := range ruleCfgs {
		r, err := rc.Rule(id)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", id, err)
		}
		byID[id] = r
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.rules = append(m.rules, byID[id])
	}
	return m, nil
}

// OnTransition registers the hook invoked when an alert triggers or
// resolves. The hook runs outside the manager's lock and receives a copy.
func (m *AlertManager) OnTransition(fn func(a Alert)) {
	m.onTransition = fn
}

// instanceKey identifies one alert target: the rule plus the scope it
// matched against.
func instanceKey(r *Rule) string {
	key := r.ID
	if r.Service != "" {
		key += ":" + r.Service
	}
	if r.Endpoint != "" {
		key += ":" + r.Endpoint
	}
	return key
}

// Check evaluates every rule against the snapshot and transitions alert
// state. Scoped rules whose service or endpoint has no data in the
// window are treated as gone; their alerts resolve.
func (m *AlertManager) Check(snap *Snapshot) {
	m.mu.Lock()
	m.deferred = m.deferred[:0]

	now := m.now()
	m.checks++
	seen := make(map[string]bool)

	for i := range m.rules {
		r := &m.rules[i]
		if r.Disabled {
			continue
		}

		metrics, ok := m.scopeFor(r, snap)
		if !ok {
			continue
		}
		key := instanceKey(r)
		seen[key] = true

		value := r.metricValue(metrics)
		m.transition(r, key, value, r.exceeded(value), now)
	}

	// Resolve instances whose scope disappeared from the window, and
	// drop inactive ones so the map stays bounded.
	for key, inst := range m.instances {
		if seen[key] {
			continue
		}
		switch inst.state {
		case stateFiring:
			m.resolve(key, inst, now)
		case statePending:
			inst.state = stateInactive
		}
		if inst.state == stateInactive {
			delete(m.instances, key)
		}
	}

	m.runDeferred()
}

// scopeFor picks the snapshot scope a rule evaluates against.
func (m *AlertManager) scopeFor(r *Rule, snap *Snapshot) (ScopeMetrics, bool) {
	switch {
	case r.Service == "":
		return snap.Overall, true
	case r.Endpoint == "":
		sm, ok := snap.Services[r.Service]
		return sm, ok
	default:
		em, ok := snap.Endpoints[EndpointKey{Service: r.Service, Endpoint: r.Endpoint}]
		return em, ok
	}
}

func (m *AlertManager) transition(r *Rule, key string, value float64, exceeded bool, now time.Time) {
	inst := m.instances[key]
	if inst == nil {
		inst = &alertInstance{}
		m.instances[key] = inst
	}

	switch inst.state {
	case stateInactive:
		if exceeded {
			if r.For == 0 {
				inst.state = stateFiring
				m.trigger(r, key, inst, value, now)
			} else {
				inst.state = statePending
				inst.pendingSince = now
			}
		}
	case statePending:
		if !exceeded {
			inst.state = stateInactive
		} else if now.Sub(inst.pendingSince) >= r.For {
			inst.state = stateFiring
			m.trigger(r, key, inst, value, now)
		}
	case stateFiring:
		inst.alert.Value = value
		if !exceeded {
			m.resolve(key, inst, now)
		}
	}
}

func (m *AlertManager) trigger(r *Rule, key string, inst *alertInstance, value float64, now time.Time) {
	msg := fmt.Sprintf("%s: %s %s %.2f (current %.2f)", r.Name, r.Metric, r.Operator, r.Threshold, value)
	if r.Service != "" {
		scope := r.Service
		if r.Endpoint != "" {
			scope += ":" + r.Endpoint
		}
		msg += " on " + scope
	}

	a := &Alert{
		ID:          uuid.NewString(),
		RuleID:      r.ID,
		RuleName:    r.Name,
		Metric:      r.Metric,
		Operator:    r.Operator,
		Threshold:   r.Threshold,
		Value:       value,
		Severity:    r.Severity,
		Service:     r.Service,
		Endpoint:    r.Endpoint,
		Status:      AlertTriggered,
		Message:     msg,
		TriggeredAt: now,
	}
	inst.alert = a
	m.appendHistory(a)
	m.triggered++

	slog.Warn("alert triggered", "rule", r.ID, "key", key, "severity", r.Severity, "value", value)

	if m.onTransition != nil {
		copied := *a
		m.deferred = append(m.deferred, func() { m.onTransition(copied) })
	}
}

func (m *AlertManager) resolve(key string, inst *alertInstance, now time.Time) {
	inst.state = stateInactive

	a := inst.alert
	inst.alert = nil
	if a == nil {
		return
	}
	a.Status = AlertResolved
	a.ResolvedAt = &now
	m.resolved++

	slog.Info("alert resolved", "rule", a.RuleID, "key", key, "alert_id", a.ID)

	if m.onTransition != nil {
		copied := *a
		m.deferred = append(m.deferred, func() { m.onTransition(copied) })
	}
}

// appendHistory records a newly triggered alert, evicting the oldest
// entry past the cap. Resolution later mutates the recorded alert in
// place, so history reflects final state. Caller holds m.mu.
func (m *AlertManager) appendHistory(a *Alert) {
	m.history = append(m.history, a)
	if len(m.history) > maxAlertHistory {
		m.history = m.history[len(m.history)-maxAlertHistory:]
	}
}

// runDeferred copies deferred side effects, releases m.mu, then executes
// them. Caller must hold m.mu.
func (m *AlertManager) runDeferred() {
	pending := make([]func(), len(m.deferred))
	copy(pending, m.deferred)
	m.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Acknowledge marks an active alert as acknowledged and returns the
// updated alert. Acknowledged alerts still resolve automatically when
// their condition clears.
func (m *AlertManager) Acknowledge(alertID string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.instances {
		if inst.alert == nil || inst.alert.ID != alertID {
			continue
		}
		if inst.alert.Status != AlertTriggered {
			return Alert{}, fmt.Errorf("alert %s already %s", alertID, inst.alert.Status)
		}
		now := m.now()
		inst.alert.Status = AlertAcknowledged
		inst.alert.AcknowledgedAt = &now
		slog.Info("alert acknowledged", "alert_id", alertID, "rule", inst.alert.RuleID)
		return *inst.alert, nil
	}
	return Alert{}, fmt.Errorf("no active alert %s", alertID)
}

// Active returns copies of all currently firing alerts, oldest first.
func (m *AlertManager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.state == stateFiring && inst.alert != nil {
			out = append(out, *inst.alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

// History returns copies of the most recent alerts, newest first. limit
// <= 0 returns everything retained.
func (m *AlertManager) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(m.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *m.history[i])
	}
	return out
}

// Rules returns the configured rule set.
func (m *AlertManager) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Stats returns the manager's runtime counters.
func (m *AlertManager) Stats() AlertManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, inst := range m.instances {
		if inst.state == stateFiring {
			active++
		}
	}
	return AlertManagerStats{
		Rules:          len(m.rules),
		ActiveAlerts:   active,
		ChecksRun:      m.checks,
		TotalTriggered: m.triggered,
		TotalResolved:  m.resolved,
	}
}
