package transform_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/colorgate/internal/config"
	"github.com/kiranshivaraju/colorgate/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransformer_HTTP(t *testing.T) {
	tr, err := transform.NewTransformer(config.TransformConfig{
		Provider: "http",
		BaseURL:  "http://localhost:9000",
		Timeout:  time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "http", tr.Name())
}

func TestNewTransformer_Grayscale(t *testing.T) {
	tr, err := transform.NewTransformer(config.TransformConfig{Provider: "grayscale"})
	require.NoError(t, err)
	assert.Equal(t, "grayscale", tr.Name())
}

func TestNewTransformer_Unknown(t *testing.T) {
	_, err := transform.NewTransformer(config.TransformConfig{Provider: "deoldify"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deoldify")
}
