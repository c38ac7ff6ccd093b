// Package partition maps partition keys to partitions.
package partition

import (
	"github.com/spaolacci/murmur3"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

// DefaultCount is the partition count used when none is configured.
const DefaultCount = 16

// Partitioner assigns every (tenant_id, exception_id) key to one of a fixed
// number of partitions. The assignment depends only on the key and the
// count, so every process computes the same partition.
type Partitioner struct {
	n int
}

// New creates a partitioner over n partitions. n < 1 is treated as 1.
func New(n int) Partitioner {
	if n < 1 {
		n = 1
	}
	return Partitioner{n: n}
}

// Count returns the number of partitions.
func (p Partitioner) Count() int {
	if p.n < 1 {
		return 1
	}
	return p.n
}

// For returns the partition for key.
func (p Partitioner) For(key event.Key) int {
	buf := make([]byte, 0, len(key.TenantID)+len(key.ExceptionID)+1)
	buf = append(buf, key.TenantID...)
	buf = append(buf, 0)
	buf = append(buf, key.ExceptionID...)
	return int(murmur3.Sum32(buf) % uint32(p.Count()))
}

// All returns every partition number in ascending order.
func (p Partitioner) All() []int {
	out := make([]int, p.Count())
	for i := range out {
		out[i] = i
	}
	return out
}
