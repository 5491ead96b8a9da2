package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	require.NoError(t, r.Add(ctx, "g1", 2))
	require.NoError(t, r.Add(ctx, "g1", 1))
	require.NoError(t, r.Add(ctx, "g1", 1))
	require.NoError(t, r.Add(ctx, "g2", 3))

	ids, err := r.Members(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)

	require.NoError(t, r.Remove(ctx, "g1", 1))
	require.NoError(t, r.Remove(ctx, "missing", 1))

	ids, _ = r.Members(ctx, "g1")
	assert.Equal(t, []int{2}, ids)

	require.NoError(t, r.Remove(ctx, "g1", 2))
	ids, _ = r.Members(ctx, "g1")
	assert.Empty(t, ids)
}

func TestOnlineKey(t *testing.T) {
	assert.Equal(t, "group:abc:online", onlineKey("abc"))
}
