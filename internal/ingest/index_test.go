package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
)

func TestFetchIndexFiltersReserved(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.index = []ecfr.TitleInfo{
		{Number: "2", SnapshotID: "2024-02-01"},
		{Number: "35", Reserved: true},
		{Number: "1", SnapshotID: "2024-01-01"},
	}

	idx, err := FetchIndex(context.Background(), src, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "2024-01-01", "2": "2024-02-01"}, idx.Active)
	assert.Equal(t, []string{"35"}, idx.Reserved)
	assert.Equal(t, []string{"1", "2"}, idx.ActiveNumbers())
	assert.Len(t, idx.Titles, 3)
}

func TestFetchIndexWrapsErrors(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.indexErr = errors.New("dial tcp: connection refused")

	_, err := FetchIndex(context.Background(), src, zap.NewNop())
	require.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorContains(t, err, "connection refused")
}
