package ledger

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 任意次数的 Begin：id 严格递增，且只有最后一个 id 是当前 id
func TestProperty_BeginInvalidatesEarlierIDs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("only the latest generation id is current", prop.ForAll(
		func(n int) bool {
			l := New()
			ids := make([]uint64, 0, n)
			for i := 0; i < n; i++ {
				id := l.Begin()
				if len(ids) > 0 && id <= ids[len(ids)-1] {
					t.Logf("id %d not greater than %d", id, ids[len(ids)-1])
					return false
				}
				ids = append(ids, id)
			}
			for i, id := range ids {
				if l.IsCurrent(id) != (i == len(ids)-1) {
					return false
				}
			}
			return l.Current() == ids[len(ids)-1]
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
