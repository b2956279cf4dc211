package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserversIncrementCounters(t *testing.T) {
	r := New()
	r.ObservePOWResult("success")
	r.ObserveCacheHit("memory")
	r.ObserveChainCompleted("success")

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var sawPOW, sawCache, sawChain bool
	for _, f := range families {
		switch f.GetName() {
		case "kairos_pow_submissions_total":
			sawPOW = true
		case "kairos_cache_hits_total":
			sawCache = true
		case "kairos_chains_completed_total":
			sawChain = true
		}
	}
	assert.True(t, sawPOW)
	assert.True(t, sawCache)
	assert.True(t, sawChain)
}
