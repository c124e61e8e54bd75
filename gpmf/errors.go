package gpmf

import (
	"errors"
	"fmt"
)

// These are the error classes returned by this package; test for them with `errors.Is`.
var (
	ErrNotFound             = errors.New("not found")
	ErrStructuralCorruption = errors.New("structural corruption")
	ErrBufferTooSmall       = errors.New("buffer too small")
	ErrRange                = errors.New("sample range out of bounds")
	ErrUnsupportedType      = errors.New("unsupported type")
	ErrPayloadUnavailable   = errors.New("payload unavailable")
	ErrRateUndetermined     = errors.New("rate undetermined")
)

// PayloadError is a failure tied to a single payload.
type PayloadError struct {
	Index uint32
	Err   error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("payload %d: %v", e.Index, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}
