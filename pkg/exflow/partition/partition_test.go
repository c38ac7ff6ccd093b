package partition_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/partition"
)

func TestPartitioner_Stable(t *testing.T) {
	p := partition.New(8)
	k := event.NewKey("tenant-a", "exc-42")
	first := p.For(k)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, partition.New(8).For(k))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)
}

func TestPartitioner_TenantIsPartOfKey(t *testing.T) {
	p := partition.New(1024)
	differs := false
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("exc-%d", i)
		if p.For(event.NewKey("a", id)) != p.For(event.NewKey("b", id)) {
			differs = true
			break
		}
	}
	assert.True(t, differs, "same exception ID under different tenants should not always share a partition")
}

func TestPartitioner_Spread(t *testing.T) {
	p := partition.New(4)
	seen := map[int]int{}
	for i := 0; i < 400; i++ {
		seen[p.For(event.NewKey("t", fmt.Sprintf("exc-%d", i)))]++
	}
	assert.Len(t, seen, 4)
	for part, n := range seen {
		assert.Greater(t, n, 40, "partition %d underused", part)
	}
}

func TestPartitioner_Defaults(t *testing.T) {
	assert.Equal(t, 1, partition.New(0).Count())
	assert.Equal(t, 0, partition.New(0).For(event.NewKey("a", "b")))
	assert.Equal(t, []int{0, 1, 2}, partition.New(3).All())
	var zero partition.Partitioner
	assert.Equal(t, 1, zero.Count())
}
