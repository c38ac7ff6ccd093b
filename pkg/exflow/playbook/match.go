package playbook

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
)

// Evaluation is the outcome of matching one candidate.
type Evaluation struct {
	PlaybookID int64    `json:"playbook_id"`
	Priority   int      `json:"priority"`
	Matched    bool     `json:"matched"`
	Reasons    []string `json:"reasons"`
}

// Result is a matching decision. A nil PlaybookID means no playbook
// matched, which is a valid outcome.
type Result struct {
	PlaybookID *int64         `json:"playbook_id"`
	Playbook   *pack.Playbook `json:"-"`
	Reasoning  string         `json:"reasoning"`
	Evaluated  []Evaluation   `json:"evaluated"`
}

// Version returns the selected playbook's version, or 0.
func (r Result) Version() int {
	if r.Playbook == nil {
		return 0
	}
	return r.Playbook.Version
}

// Matcher selects playbooks. The zero value is ready to use.
type Matcher struct{}

// Match evaluates candidates against exc at time now. Candidates from
// another tenant and deactivated playbooks are ignored. Matching playbooks
// rank by priority, highest first, then by larger playbook ID.
func (Matcher) Match(exc *exception.Exception, candidates []pack.Playbook, now time.Time) Result {
	var res Result
	var matched []int

	for i := range candidates {
		pb := &candidates[i]
		if pb.TenantID != exc.TenantID || !pb.Active() {
			continue
		}
		ev := evaluate(exc, pb, now)
		res.Evaluated = append(res.Evaluated, ev)
		if ev.Matched {
			matched = append(matched, i)
		}
	}

	if len(matched) == 0 {
		res.Reasoning = fmt.Sprintf("no playbook matched (%d candidates evaluated)", len(res.Evaluated))
		return res
	}

	sort.SliceStable(matched, func(a, b int) bool {
		pa, pb := candidates[matched[a]], candidates[matched[b]]
		if pa.Conditions.Priority != pb.Conditions.Priority {
			return pa.Conditions.Priority > pb.Conditions.Priority
		}
		return pa.ID > pb.ID
	})

	best := candidates[matched[0]]
	id := best.ID
	res.PlaybookID = &id
	res.Playbook = &best

	var reasons []string
	for _, ev := range res.Evaluated {
		if ev.PlaybookID == id {
			reasons = ev.Reasons
			break
		}
	}
	res.Reasoning = fmt.Sprintf("selected playbook %d (priority %d)", id, best.Conditions.Priority)
	if len(reasons) > 0 {
		res.Reasoning += ": " + strings.Join(reasons, "; ")
	}
	if len(matched) > 1 {
		res.Reasoning += fmt.Sprintf(" (%d of %d candidates matched)", len(matched), len(res.Evaluated))
	}
	return res
}

// evaluate checks every predicate. All set predicates must hold. The
// reasons list each predicate that was checked, in a fixed order.
func evaluate(exc *exception.Exception, pb *pack.Playbook, now time.Time) Evaluation {
	c := pb.Conditions
	ev := Evaluation{PlaybookID: pb.ID, Priority: c.Priority, Matched: true}
	check := func(ok bool, format string, args ...any) {
		verdict := "matched"
		if !ok {
			verdict = "not matched"
			ev.Matched = false
		}
		ev.Reasons = append(ev.Reasons, fmt.Sprintf(format, args...)+" "+verdict)
	}

	if c.Domain != "" {
		check(exc.Domain == c.Domain, "domain=%s", c.Domain)
	}
	if c.ExceptionType != "" {
		check(typeMatches(c.ExceptionType, exc.Type), "exception_type=%s", c.ExceptionType)
	}
	if c.Severity != "" {
		check(strings.EqualFold(string(exc.Severity), c.Severity), "severity=%s", strings.ToLower(c.Severity))
	}
	if len(c.SeverityIn) > 0 {
		ok := slices.ContainsFunc(c.SeverityIn, func(s string) bool {
			return strings.EqualFold(string(exc.Severity), s)
		})
		check(ok, "severity in [%s]", strings.Join(c.SeverityIn, ","))
	}
	if c.SLAMinutesRemainingLT != nil {
		if remaining, ok := exc.MinutesRemaining(now); ok {
			check(remaining < *c.SLAMinutesRemainingLT, "sla_minutes_remaining=%.1f < %g", remaining, *c.SLAMinutesRemainingLT)
		} else {
			ev.Reasons = append(ev.Reasons, "sla_minutes_remaining_lt ignored (no sla deadline)")
		}
	}
	if len(c.PolicyTags) > 0 {
		missing := slices.DeleteFunc(slices.Clone(c.PolicyTags), func(t string) bool {
			return slices.Contains(exc.PolicyTags, t)
		})
		check(len(missing) == 0, "policy_tags include [%s]", strings.Join(c.PolicyTags, ","))
	}
	return ev
}

// typeMatches compares exactly, or as a wildcard pattern when the pattern
// contains '*' or '?'. '*' matches any run of characters including '/' and
// '?' matches exactly one; every other character is literal.
func typeMatches(pattern, value string) bool {
	if pattern == value {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return false
	}
	return wildcardMatch([]rune(pattern), []rune(value))
}

func wildcardMatch(pattern, value []rune) bool {
	p, v := 0, 0
	star, mark := -1, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]):
			p++
			v++
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, v
			p++
		case star >= 0:
			mark++
			p, v = star+1, mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
