package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeNodeStats struct{ claimed, contacts, tuples int }

func (f fakeNodeStats) ClaimedResources() int { return f.claimed }
func (f fakeNodeStats) ContactCount() int     { return f.contacts }
func (f fakeNodeStats) TupleCount() int       { return f.tuples }

type fakeAGIStats struct{ sessions int }

func (f fakeAGIStats) ActiveSessions() int { return f.sessions }

type fakeCallStats struct{ count int64 }

func (f fakeCallStats) CallCount(context.Context) (int64, error) { return f.count, nil }

func TestCollectorGathersProviders(t *testing.T) {
	c := NewCollector(
		fakeNodeStats{claimed: 2, contacts: 3, tuples: 7},
		fakeAGIStats{sessions: 4},
		fakeCallStats{count: 19},
		time.Now(),
	)
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	expected := `
# HELP meshivr_claimed_resources Number of federation resources this node currently holds a claim on
# TYPE meshivr_claimed_resources gauge
meshivr_claimed_resources 2
# HELP meshivr_contacts Number of known federation peers
# TYPE meshivr_contacts gauge
meshivr_contacts 3
# HELP meshivr_tuples Number of tuples in the local registry view
# TYPE meshivr_tuples gauge
meshivr_tuples 7
# HELP meshivr_agi_active_sessions Number of AGI call legs currently connected to the local FastAGI server
# TYPE meshivr_agi_active_sessions gauge
meshivr_agi_active_sessions 4
# HELP meshivr_calls_total Total number of calls persisted to the history store
# TYPE meshivr_calls_total counter
meshivr_calls_total 19
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"meshivr_claimed_resources", "meshivr_contacts", "meshivr_tuples",
		"meshivr_agi_active_sessions", "meshivr_calls_total")
	if err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	// Only uptime remains when every provider is absent.
	if len(families) != 1 || families[0].GetName() != "meshivr_uptime_seconds" {
		t.Errorf("got %d families, want only meshivr_uptime_seconds", len(families))
	}
}
