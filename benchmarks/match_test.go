package benchmarks

import (
	"fmt"
	"testing"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
	"github.com/randalmurphal/exflow/pkg/exflow/partition"
	"github.com/randalmurphal/exflow/pkg/exflow/playbook"
	"github.com/randalmurphal/exflow/pkg/exflow/template"
)

func candidates(n int) []pack.Playbook {
	out := make([]pack.Playbook, n)
	for i := range out {
		sla := float64(30 + i%90)
		out[i] = pack.Playbook{
			ID:       int64(i + 1),
			TenantID: "acme",
			Name:     fmt.Sprintf("pb-%d", i+1),
			Conditions: pack.Conditions{
				Domain:                "Finance",
				ExceptionType:         []string{"payment.*", "ledger.*", "refund.pending"}[i%3],
				SeverityIn:            []string{"high", "critical"},
				SLAMinutesRemainingLT: &sla,
				PolicyTags:            []string{"sox"},
				Priority:              i % 7,
			},
		}
	}
	return out
}

// BenchmarkMatch measures ranking candidate playbooks for one exception.
func BenchmarkMatch(b *testing.B) {
	deadline := base.Add(time.Hour)
	exc := &exception.Exception{
		TenantID:    "acme",
		ExceptionID: "exc-1",
		Domain:      "Finance",
		Type:        "payment.failed",
		Severity:    event.SeverityCritical,
		PolicyTags:  []string{"pci", "sox"},
		SLADeadline: &deadline,
	}
	for _, n := range []int{10, 100, 1000} {
		pbs := candidates(n)
		b.Run(fmt.Sprintf("playbooks=%d", n), func(b *testing.B) {
			var m playbook.Matcher
			for i := 0; i < b.N; i++ {
				_ = m.Match(exc, pbs, base)
			}
		})
	}
}

// BenchmarkResolveParams measures placeholder resolution of step params.
func BenchmarkResolveParams(b *testing.B) {
	vars := template.Vars{
		"exception": map[string]any{
			"id":      "exc-1",
			"context": map[string]any{"invoice": "INV-9", "lines": []any{map[string]any{"sku": "A-1"}}},
		},
		"domain_pack": map[string]any{"queues": map[string]any{"default": "ap-triage"}},
	}
	params := map[string]any{
		"tool_id": "refund-api",
		"payload": map[string]any{
			"invoice": "{exception.context.invoice}",
			"sku":     "{exception.context.lines.0.sku}",
			"queue":   "{domain_pack.queues.default}",
			"note":    "refund for {exception.id} via {domain_pack.queues.default}",
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = template.ResolveMap(params, vars)
	}
}

// BenchmarkPartitionFor measures partition assignment.
func BenchmarkPartitionFor(b *testing.B) {
	p := partition.New(64)
	keys := make([]event.Key, 1024)
	for i := range keys {
		keys[i] = event.NewKey("acme", fmt.Sprintf("exc-%d", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.For(keys[i%len(keys)])
	}
}
