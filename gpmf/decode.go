package gpmf

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Number is any type that scaled data can be written into.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~float32 | ~float64
}

// UnsupportedTypeError reports the element positions that have no numeric conversion.
type UnsupportedTypeError struct {
	Key       FourCC
	Positions []int
	Types     []Type
	Elements  int
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("%s: elements %v (types %v) of %d have no numeric conversion", e.Key, e.Positions, e.Types, e.Elements)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return ErrUnsupportedType
}

// Partial returns true if at least one element of each sample was decoded.
func (e *UnsupportedTypeError) Partial() bool {
	return len(e.Positions) < e.Elements
}

// ScaledData decodes samples of the current record into `out`, dividing each element by its scale.
//
// Samples are laid out one after the other, with `ElementsInStruct()` values each.
// Scales come from the closest preceding SCAL record at the same level; without one, the scale is 1.
//
// Elements that have no numeric conversion are set to NaN (or 0 for integer outputs) and reported
// with an `*UnsupportedTypeError`; the rest of the sample is still decoded.
func ScaledData[T Number](c *Cursor, out []T, sampleOffset int, sampleCount int) (int, error) {
	if c == nil || !c.valid {
		return 0, fmt.Errorf("no current record: %w", ErrNotFound)
	}
	h := c.current
	if sampleOffset < 0 || sampleCount < 0 || sampleOffset+sampleCount > h.repeat {
		return 0, fmt.Errorf("%s: samples [%d, %d) outside of [0, %d): %w", h.key, sampleOffset, sampleOffset+sampleCount, h.repeat, ErrRange)
	}

	layout, err := c.layout()
	if err != nil {
		return 0, err
	}
	elements := len(layout)
	if len(out) < sampleCount*elements {
		return 0, fmt.Errorf("%s: need room for %d values, have %d: %w", h.key, sampleCount*elements, len(out), ErrBufferTooSmall)
	}

	scales := c.scales(elements)
	invalid := invalidValue[T]()
	data := c.RawData()

	var unsupported *UnsupportedTypeError
	for e, t := range layout {
		if !t.Numeric() {
			if unsupported == nil {
				unsupported = &UnsupportedTypeError{Key: h.key, Elements: elements}
			}
			unsupported.Positions = append(unsupported.Positions, e)
			unsupported.Types = append(unsupported.Types, t)
		}
	}

	written := 0
	for s := 0; s < sampleCount; s++ {
		offset := (sampleOffset + s) * h.structSize
		for e, t := range layout {
			size := t.Size()
			if offset+size > len(data) {
				return written, fmt.Errorf("%s: element %d of sample %d runs past the data: %w", h.key, e, sampleOffset+s, ErrStructuralCorruption)
			}
			value, ok := t.value(data[offset : offset+size])
			if ok {
				out[s*elements+e] = T(value / scales[e])
			} else {
				out[s*elements+e] = invalid
			}
			offset += size
		}
		written++
	}

	if unsupported != nil {
		return written, unsupported
	}
	return written, nil
}

// scales returns the divisor for each element position.
func (c *Cursor) scales(elements int) []float64 {
	result := make([]float64, elements)
	for i := range result {
		result[i] = 1
	}

	h, offset, ok := c.sibling(KeyScale)
	if !ok {
		return result
	}
	size := h.typ.Size()
	if !h.typ.Numeric() || size == 0 {
		logger.WithFields(logrus.Fields{"key": c.current.key}).Warnf("Ignoring SCAL with type %s", h.typ)
		return result
	}

	data := c.buf[offset+HeaderSize : offset+HeaderSize+h.dataSize()]
	var values []float64
	for i := 0; i+size <= len(data); i += size {
		value, _ := h.typ.value(data[i : i+size])
		values = append(values, value)
	}
	if len(values) == 0 {
		return result
	}

	for i := range result {
		value := values[len(values)-1]
		if len(values) == 1 {
			value = values[0]
		} else if i < len(values) {
			value = values[i]
		}
		if value == 0 {
			logger.WithFields(logrus.Fields{"key": c.current.key, "element": i}).Warnf("Ignoring zero scale")
			continue
		}
		result[i] = value
	}
	return result
}

// invalidValue is what an element without a numeric conversion decodes to.
func invalidValue[T Number]() T {
	half := 0.5
	if T(half) != 0 {
		return T(math.NaN())
	}
	var zero T
	return zero
}
