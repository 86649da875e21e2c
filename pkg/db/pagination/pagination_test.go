package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	p := Pagination{Page: 0, Limit: 1000}.Normalize()
	require.Equal(t, 1, p.Page)
	require.Equal(t, MaxLimit, p.Limit)

	p = Pagination{Page: 3, Limit: 0}.Normalize()
	require.Equal(t, 3, p.Page)
	require.Equal(t, DefaultLimit, p.Limit)
	require.Equal(t, 40, p.Offset())
}

func TestBuildPageInfo(t *testing.T) {
	info := BuildPageInfo(Pagination{Page: 1, Limit: 2}, 3)
	require.True(t, info.HasMore)

	info = BuildPageInfo(Pagination{Page: 2, Limit: 2}, 3)
	require.False(t, info.HasMore)
	require.Equal(t, int64(3), info.Total)
}
