package transform

import (
	"fmt"

	"github.com/kiranshivaraju/colorgate/internal/config"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

// NewTransformer constructs the transformer selected by config.
// Called once at server startup.
func NewTransformer(cfg config.TransformConfig) (models.Transformer, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTPClient(cfg.BaseURL, cfg.Timeout), nil
	case "grayscale":
		return NewGrayscale(cfg.MaxPixels), nil
	default:
		return nil, fmt.Errorf("unknown transform provider %q: must be one of http, grayscale", cfg.Provider)
	}
}
