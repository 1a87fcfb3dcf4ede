package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Settlement event outcomes recorded by the reconciler.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRequeued  = "requeued"
	OutcomeDropped   = "dropped"
	OutcomeRejected  = "rejected"
	OutcomeSkipped   = "skipped"
)

type settlementKey struct {
	kind    string
	outcome string
}

type settlementMetrics struct {
	mu     sync.Mutex
	events map[settlementKey]uint64
	halts  uint64
}

var settlementCollector = &settlementMetrics{
	events: make(map[settlementKey]uint64),
}

// ObserveSettlementEvent records the outcome of one settlement event.
func ObserveSettlementEvent(kind, outcome string) {
	settlementCollector.mu.Lock()
	defer settlementCollector.mu.Unlock()
	settlementCollector.events[settlementKey{kind: kind, outcome: outcome}]++
}

// ObserveInvariantHalt records a collaboration being halted by an invariant check.
func ObserveInvariantHalt() {
	settlementCollector.mu.Lock()
	defer settlementCollector.mu.Unlock()
	settlementCollector.halts++
}

func (m *settlementMetrics) render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	type metric struct {
		settlementKey
		value uint64
	}
	events := make([]metric, 0, len(m.events))
	for key, value := range m.events {
		events = append(events, metric{settlementKey: key, value: value})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].kind == events[j].kind {
			return events[i].outcome < events[j].outcome
		}
		return events[i].kind < events[j].kind
	})

	var builder strings.Builder
	builder.Grow(512)
	builder.WriteString("# HELP quorumlaunch_settlement_events_total Settlement events processed by the reconciler, by outcome.\n")
	builder.WriteString("# TYPE quorumlaunch_settlement_events_total counter\n")
	for _, metric := range events {
		builder.WriteString(fmt.Sprintf("quorumlaunch_settlement_events_total{kind=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.kind), escape(metric.outcome), metric.value))
	}
	builder.WriteString("# HELP quorumlaunch_invariant_halts_total Collaborations halted by an invariant violation.\n")
	builder.WriteString("# TYPE quorumlaunch_invariant_halts_total counter\n")
	builder.WriteString(fmt.Sprintf("quorumlaunch_invariant_halts_total %d\n", m.halts))
	return builder.String()
}
