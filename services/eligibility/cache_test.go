package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"

	"leadmarket/pkg/rediskey"
	"leadmarket/services/marketplace"
)

func TestCache_ErrorPaths(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewCache(rdb, time.Minute)
	ctx := context.Background()

	mock.ExpectGet(rediskey.BuildNicheGenerationKey("n1")).SetErr(errors.New("connection reset"))
	_, err := c.Generation(ctx, "n1")
	require.ErrorContains(t, err, "read niche generation")

	mock.ExpectGet(rediskey.BuildNicheGenerationKey("n2")).RedisNil()
	gen, err := c.Generation(ctx, "n2")
	require.NoError(t, err)
	require.Zero(t, gen)

	mock.ExpectGet(rediskey.BuildEligibilityKey("lead-1", 3)).SetVal("not json")
	_, ok, err := c.Get(ctx, "lead-1", 3)
	require.False(t, ok)
	require.ErrorContains(t, err, "decode eligibility")

	mock.ExpectGet(rediskey.BuildEligibilityKey("lead-2", 3)).RedisNil()
	_, ok, err = c.Get(ctx, "lead-2", 3)
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectIncr(rediskey.BuildNicheGenerationKey("n1")).SetErr(errors.New("READONLY"))
	require.ErrorContains(t, c.InvalidateNiche(ctx, "n1"), "bump niche generation")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_GenerationReadFailureSkipsCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	src := &sourceMock{subs: []*marketplace.Subscription{sub("s1", "A", ``)}}
	r := newResolver(src, NewCache(rdb, time.Minute))

	mock.ExpectGet(rediskey.BuildNicheGenerationKey("n1")).SetErr(errors.New("connection reset"))

	e, err := r.ResolveEligible(context.Background(), lead())
	require.NoError(t, err)
	require.Equal(t, 1, e.Count())
	require.Equal(t, int32(1), src.calls.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}
