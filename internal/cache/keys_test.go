package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyBuilder(t *testing.T) (*KeyBuilder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewKeyBuilder(client, time.Second), mr
}

func TestKeyBuilderFormat(t *testing.T) {
	b, _ := newTestKeyBuilder(t)

	key, err := b.Build(context.Background(), Ref{
		PrincipalID: "11111111-1111-4111-8111-111111111111",
		Kind:        KindGeneration,
		ResourceID:  "22222222-2222-4222-8222-222222222222",
		Op:          "read",
	})
	require.NoError(t, err)
	assert.Equal(t,
		"auth:user:11111111-1111-4111-8111-111111111111:gen:0:generation:22222222-2222-4222-8222-222222222222:op:read",
		key)
}

func TestKeyBuilderBumpChangesKey(t *testing.T) {
	b, _ := newTestKeyBuilder(t)
	ctx := context.Background()
	ref := Ref{PrincipalID: "u1", Kind: KindResource, ResourceID: "r1", Op: "read"}

	before, err := b.Build(ctx, ref)
	require.NoError(t, err)

	gen, err := b.Bump(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	after, err := b.Build(ctx, ref)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestKeyBuilderGenerationSurvivesBackendOutage(t *testing.T) {
	b, mr := newTestKeyBuilder(t)
	ctx := context.Background()

	_, err := b.Bump(ctx, "u1")
	require.NoError(t, err)

	mr.Close()
	// Wait out the local counter cache so the fallback path is what
	// answers.
	time.Sleep(1100 * time.Millisecond)

	gen, err := b.Generation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
}

func TestRefPattern(t *testing.T) {
	ref := Ref{PrincipalID: "u1", Kind: KindProject, ResourceID: "p1", Op: "write"}
	assert.Equal(t, "project:write", ref.Pattern())
}
