package transform_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/kiranshivaraju/colorgate/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(60 * x), G: uint8(60 * y), B: 200, A: 255})
		}
	}
	return img
}

func TestGrayscale_PNG(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, png.Encode(&in, testImage()))

	out, err := transform.NewGrayscale(0).Transform(context.Background(), in.Bytes())
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())
	_, isGray := img.(*image.Gray)
	assert.True(t, isGray)
}

func TestGrayscale_JPEGStaysJPEG(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, jpeg.Encode(&in, testImage(), nil))

	out, err := transform.NewGrayscale(0).Transform(context.Background(), in.Bytes())
	require.NoError(t, err)

	_, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestGrayscale_Deterministic(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, png.Encode(&in, testImage()))
	g := transform.NewGrayscale(0)

	a, err := g.Transform(context.Background(), in.Bytes())
	require.NoError(t, err)
	b, err := g.Transform(context.Background(), in.Bytes())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGrayscale_RejectsNonImage(t *testing.T) {
	_, err := transform.NewGrayscale(0).Transform(context.Background(), []byte("definitely not an image"))
	assert.ErrorIs(t, err, transform.ErrBadInput)
}

func TestGrayscale_CancelledContext(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, png.Encode(&in, testImage()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := transform.NewGrayscale(0).Transform(ctx, in.Bytes())
	assert.ErrorIs(t, err, transform.ErrTimeout)
}

// pngHeader returns a PNG signature and IHDR chunk declaring w x h 8-bit RGBA
// with no pixel data after it.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestGrayscale_RejectsOversizedDimensions(t *testing.T) {
	payload := pngHeader(50_000, 50_000)

	_, err := transform.NewGrayscale(0).Transform(context.Background(), payload)
	require.ErrorIs(t, err, transform.ErrBadInput)
	assert.Contains(t, err.Error(), "50000x50000")
}

func TestGrayscale_PixelLimitIsConfigurable(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, png.Encode(&in, testImage()))

	_, err := transform.NewGrayscale(15).Transform(context.Background(), in.Bytes())
	assert.ErrorIs(t, err, transform.ErrBadInput)

	_, err = transform.NewGrayscale(16).Transform(context.Background(), in.Bytes())
	assert.NoError(t, err)
}
