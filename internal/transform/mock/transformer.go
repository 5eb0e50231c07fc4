package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/colorgate/internal/transform"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

// MockTransformer satisfies models.Transformer for testing.
type MockTransformer struct {
	Name_         string
	TransformFunc func(ctx context.Context, payload []byte) ([]byte, error)
	ReadyErr      error

	calls atomic.Int64
}

func (m *MockTransformer) Name() string { return m.Name_ }

func (m *MockTransformer) Transform(ctx context.Context, payload []byte) ([]byte, error) {
	m.calls.Add(1)
	if m.TransformFunc != nil {
		return m.TransformFunc(ctx, payload)
	}
	return payload, nil
}

func (m *MockTransformer) Ready(context.Context) error { return m.ReadyErr }

// Calls reports how many times Transform was invoked.
func (m *MockTransformer) Calls() int64 { return m.calls.Load() }

// NewMockTransformer returns a MockTransformer that prefixes its input with
// "colorized:".
func NewMockTransformer() *MockTransformer {
	return &MockTransformer{
		Name_: "mock",
		TransformFunc: func(_ context.Context, payload []byte) ([]byte, error) {
			return append([]byte("colorized:"), payload...), nil
		},
	}
}

// NewFailingTransformer returns a MockTransformer that always returns err.
func NewFailingTransformer(err error) *MockTransformer {
	return &MockTransformer{
		Name_: "mock-failing",
		TransformFunc: func(context.Context, []byte) ([]byte, error) {
			return nil, err
		},
	}
}

// NewBlockingTransformer returns a MockTransformer that blocks until release
// is closed or its context ends.
func NewBlockingTransformer(release <-chan struct{}) *MockTransformer {
	return &MockTransformer{
		Name_: "mock-blocking",
		TransformFunc: func(ctx context.Context, payload []byte) ([]byte, error) {
			select {
			case <-release:
				return append([]byte("colorized:"), payload...), nil
			case <-ctx.Done():
				return nil, transform.ErrTimeout
			}
		},
	}
}

// Compile-time checks.
var (
	_ models.Transformer      = (*MockTransformer)(nil)
	_ models.ReadinessChecker = (*MockTransformer)(nil)
)
