package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rg "github.com/ineyio/routeguard"
	"github.com/ineyio/routeguard/provider/mock"
)

func TestEmbed_Deterministic(t *testing.T) {
	p := mock.New(mock.WithID("m1"), mock.WithDimensions(16))
	ctx := context.Background()

	a, tokens, err := p.Embed(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.Len(t, a[0], 16)
	assert.Equal(t, rg.EstimateTokens([]string{"hello", "world"}), tokens)

	b, _, err := p.Embed(ctx, []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, a[0], b[0])
	assert.NotEqual(t, a[0], a[1])
	assert.Equal(t, int64(2), p.CallCount())
}

func TestFailAfter(t *testing.T) {
	p := mock.New(mock.WithFailAfter(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := p.Embed(ctx, []string{"x"})
		require.NoError(t, err)
	}
	_, _, err := p.Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, mock.ErrUnavailable)
	assert.True(t, rg.IsRetryable(err))
}

func TestStaticError(t *testing.T) {
	want := errors.New("quota exhausted")
	p := mock.New(mock.WithError(want))

	_, _, err := p.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, want)
}

func TestLatencyRespectsContext(t *testing.T) {
	p := mock.New(mock.WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := p.Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), p.CallCount())
}

func TestUpsertAndQuery(t *testing.T) {
	p := mock.New(mock.WithID("vs"), mock.WithKind(rg.KindVectorStore), mock.WithQuality(0.8))
	ctx := context.Background()

	assert.Equal(t, rg.ProviderID("vs"), p.ID())
	assert.Equal(t, rg.KindVectorStore, p.Kind())
	assert.Equal(t, 0.8, p.Quality())

	require.NoError(t, p.Upsert(ctx, "x", []float32{1, 0}))
	require.NoError(t, p.Upsert(ctx, "y", []float32{0, 1}))
	require.NoError(t, p.Upsert(ctx, "xy", []float32{1, 1}))

	matches, err := p.Query(ctx, []float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "x", matches[0].Key)
	assert.Equal(t, "xy", matches[1].Key)

	all, err := p.Query(ctx, []float32{0, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "y", all[0].Key)
}
