package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/kiranshivaraju/colorgate/pkg/models"
)

const defaultMaxPixels = 40_000_000

// Grayscale is a local transformer that needs no model server. It decodes the
// payload, converts it to 8-bit luminance and re-encodes it as JPEG when the
// input was JPEG, otherwise as PNG. Images declaring more than maxPixels are
// refused from their header, before any pixel buffer is allocated.
type Grayscale struct {
	maxPixels int64
}

// NewGrayscale returns a Grayscale transformer. maxPixels <= 0 selects the
// default of 40 megapixels.
func NewGrayscale(maxPixels int64) *Grayscale {
	if maxPixels <= 0 {
		maxPixels = defaultMaxPixels
	}
	return &Grayscale{maxPixels: maxPixels}
}

func (g *Grayscale) Name() string { return "grayscale" }

func (g *Grayscale) Transform(ctx context.Context, payload []byte) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image header: %v", ErrBadInput, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrBadInput, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > g.maxPixels {
		return nil, fmt.Errorf("%w: image %dx%d exceeds %d pixels", ErrBadInput, cfg.Width, cfg.Height, g.maxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrBadInput, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	bounds := src.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, src, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if format == "jpeg" {
		err = jpeg.Encode(&buf, gray, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(&buf, gray)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

var _ models.Transformer = (*Grayscale)(nil)
