package playbook_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
	"github.com/randalmurphal/exflow/pkg/exflow/playbook"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func finance(sev event.Severity) *exception.Exception {
	return &exception.Exception{
		TenantID:    "acme",
		ExceptionID: "exc-1",
		Domain:      "Finance",
		Type:        "payment.failed",
		Severity:    sev,
		Status:      event.StatusOpen,
		PolicyTags:  []string{"pci", "sox"},
	}
}

func candidate(id int64, priority int, c pack.Conditions) pack.Playbook {
	c.Priority = priority
	return pack.Playbook{ID: id, TenantID: "acme", Name: "pb", Version: 1, Conditions: c}
}

func minutes(v float64) *float64 { return &v }

// The higher-priority playbook wins.
func TestMatch_PriorityWins(t *testing.T) {
	candidates := []pack.Playbook{
		candidate(1, 50, pack.Conditions{Domain: "Finance"}),
		candidate(2, 100, pack.Conditions{Domain: "Finance", Severity: "critical"}),
	}

	res := playbook.Matcher{}.Match(finance(event.SeverityCritical), candidates, now)
	require.NotNil(t, res.PlaybookID)
	assert.Equal(t, int64(2), *res.PlaybookID)
	assert.True(t, strings.HasPrefix(res.Reasoning, "selected playbook 2 (priority 100): domain=Finance matched; severity=critical matched"), res.Reasoning)
	assert.Len(t, res.Evaluated, 2)
}

// Equal priority resolves to the larger playbook ID.
func TestMatch_TieBreakLargerID(t *testing.T) {
	candidates := []pack.Playbook{
		candidate(9, 100, pack.Conditions{Domain: "Finance"}),
		candidate(12, 100, pack.Conditions{Domain: "Finance"}),
		candidate(3, 100, pack.Conditions{Domain: "Finance"}),
	}

	res := playbook.Matcher{}.Match(finance(event.SeverityLow), candidates, now)
	require.NotNil(t, res.PlaybookID)
	assert.Equal(t, int64(12), *res.PlaybookID)
	assert.Contains(t, res.Reasoning, "3 of 3 candidates matched")
}

func TestMatch_NoMatch(t *testing.T) {
	candidates := []pack.Playbook{
		candidate(1, 0, pack.Conditions{Domain: "Logistics"}),
		candidate(2, 0, pack.Conditions{Severity: "critical"}),
	}

	res := playbook.Matcher{}.Match(finance(event.SeverityLow), candidates, now)
	assert.Nil(t, res.PlaybookID)
	assert.Nil(t, res.Playbook)
	assert.Equal(t, "no playbook matched (2 candidates evaluated)", res.Reasoning)
	assert.Equal(t, 0, res.Version())
}

func TestMatch_Predicates(t *testing.T) {
	deadline := now.Add(30 * time.Minute)

	tests := []struct {
		name   string
		cond   pack.Conditions
		mutate func(e *exception.Exception)
		want   bool
	}{
		{"empty conditions match", pack.Conditions{}, nil, true},
		{"domain is exact", pack.Conditions{Domain: "finance"}, nil, false},
		{"type exact", pack.Conditions{ExceptionType: "payment.failed"}, nil, true},
		{"type glob star", pack.Conditions{ExceptionType: "payment.*"}, nil, true},
		{"type glob question", pack.Conditions{ExceptionType: "payment.faile?"}, nil, true},
		{"type glob miss", pack.Conditions{ExceptionType: "invoice.*"}, nil, false},
		{"type star spans slash", pack.Conditions{ExceptionType: "billing*"}, func(e *exception.Exception) { e.Type = "billing/refund.failed" }, true},
		{"type star matches empty", pack.Conditions{ExceptionType: "payment.failed*"}, nil, true},
		{"type brackets are literal", pack.Conditions{ExceptionType: "pay[m]ent.*"}, nil, false},
		{"type literal brackets", pack.Conditions{ExceptionType: "pay[m]ent.*"}, func(e *exception.Exception) { e.Type = "pay[m]ent.failed" }, true},
		{"type question is one char", pack.Conditions{ExceptionType: "payment.fail?"}, nil, false},
		{"severity case-insensitive", pack.Conditions{Severity: "HIGH"}, nil, true},
		{"severity_in member", pack.Conditions{SeverityIn: []string{"critical", "high"}}, nil, true},
		{"severity_in miss", pack.Conditions{SeverityIn: []string{"low"}}, nil, false},
		{"sla ignored without deadline", pack.Conditions{SLAMinutesRemainingLT: minutes(10)}, nil, true},
		{"sla within threshold", pack.Conditions{SLAMinutesRemainingLT: minutes(60)}, func(e *exception.Exception) { e.SLADeadline = &deadline }, true},
		{"sla outside threshold", pack.Conditions{SLAMinutesRemainingLT: minutes(10)}, func(e *exception.Exception) { e.SLADeadline = &deadline }, false},
		{"policy tags subset", pack.Conditions{PolicyTags: []string{"sox"}}, nil, true},
		{"policy tags missing", pack.Conditions{PolicyTags: []string{"sox", "gdpr"}}, nil, false},
		{"all predicates", pack.Conditions{Domain: "Finance", ExceptionType: "payment.*", SeverityIn: []string{"high"}, PolicyTags: []string{"pci"}}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exc := finance(event.SeverityHigh)
			if tt.mutate != nil {
				tt.mutate(exc)
			}
			res := playbook.Matcher{}.Match(exc, []pack.Playbook{candidate(1, 0, tt.cond)}, now)
			assert.Equal(t, tt.want, res.PlaybookID != nil, res.Reasoning)
		})
	}
}

func TestMatch_SLAIgnoredIsExplained(t *testing.T) {
	res := playbook.Matcher{}.Match(finance(event.SeverityHigh),
		[]pack.Playbook{candidate(4, 0, pack.Conditions{SLAMinutesRemainingLT: minutes(5)})}, now)
	require.NotNil(t, res.PlaybookID)
	assert.Contains(t, res.Reasoning, "sla_minutes_remaining_lt ignored (no sla deadline)")
}

func TestMatch_IgnoresOtherTenantsAndInactive(t *testing.T) {
	foreign := candidate(50, 1000, pack.Conditions{})
	foreign.TenantID = "globex"
	inactive := candidate(40, 900, pack.Conditions{})
	inactive.Deactivated = true

	res := playbook.Matcher{}.Match(finance(event.SeverityHigh),
		[]pack.Playbook{foreign, inactive, candidate(1, 0, pack.Conditions{})}, now)
	require.NotNil(t, res.PlaybookID)
	assert.Equal(t, int64(1), *res.PlaybookID)
	assert.Len(t, res.Evaluated, 1)
}
