package transform

import "errors"

var (
	ErrBadInput        = errors.New("transform rejected input")
	ErrUnavailable     = errors.New("transform service unavailable")
	ErrTimeout         = errors.New("transform timeout")
	ErrInvalidResponse = errors.New("transform service returned invalid response")
)
