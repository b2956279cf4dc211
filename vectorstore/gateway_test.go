package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitHostPort(t *testing.T) {
	host, port := splitHostPort("qdrant.internal:6334")
	assert.Equal(t, "qdrant.internal", host)
	assert.Equal(t, 6334, port)
}

func TestSplitHostPortDefaultsWithoutPort(t *testing.T) {
	host, port := splitHostPort("qdrant.internal")
	assert.Equal(t, "qdrant.internal", host)
	assert.Equal(t, 6334, port)
}

func TestMustFilterAlwaysIncludesSpaceScope(t *testing.T) {
	f := mustFilter(Filter{SpaceIDs: []string{"user:default:alice", "space:kairos-app"}})
	assert.Len(t, f.Must, 1)
}

func TestMustFilterMergesAdditionalCriteria(t *testing.T) {
	f := mustFilter(Filter{
		SpaceIDs: []string{"user:default:alice"},
		Domain:   "coding",
		ChainID:  "abc123",
	})
	assert.Len(t, f.Must, 3)
}
