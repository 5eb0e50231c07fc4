package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/colorgate/internal/transform"
	"github.com/kiranshivaraju/colorgate/internal/transform/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTransformer_Default(t *testing.T) {
	m := mock.NewMockTransformer()

	out, err := m.Transform(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, []byte("colorized:img"), out)
	assert.Equal(t, int64(1), m.Calls())
	assert.Equal(t, "mock", m.Name())
}

func TestFailingTransformer(t *testing.T) {
	boom := errors.New("boom")
	_, err := mock.NewFailingTransformer(boom).Transform(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestBlockingTransformer_ReturnsOnContextEnd(t *testing.T) {
	m := mock.NewBlockingTransformer(make(chan struct{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Transform(ctx, nil)
	assert.ErrorIs(t, err, transform.ErrTimeout)
}
