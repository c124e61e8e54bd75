package main

import (
	"fmt"
	"strings"

	"github.com/tekkamanendless/gpmf-processor/gpmf"
)

// record is a printable summary of a single record.
type record struct {
	Key        string
	Type       string
	Depth      int
	Offset     int
	StructSize int
	Repeat     int
	Strings    []string
	First      []float64 // The first sample, scaled.
	Err        string
}

func (r record) String() string {
	result := fmt.Sprintf("%s %s size=%d repeat=%d", r.Key, r.Type, r.StructSize, r.Repeat)
	switch {
	case len(r.Strings) > 0:
		result += fmt.Sprintf(" %q", strings.Join(r.Strings, ", "))
	case len(r.First) > 0:
		result += fmt.Sprintf(" %v", r.First)
		if r.Repeat > 1 {
			result += " ..."
		}
	}
	if r.Err != "" {
		result += " (" + r.Err + ")"
	}
	return result
}

func describeRecord(c *gpmf.Cursor) record {
	r := record{
		Key:        c.Key().String(),
		Type:       c.Type().String(),
		Depth:      c.Depth(),
		Offset:     c.Offset(),
		StructSize: c.StructSize(),
		Repeat:     c.Repeat(),
	}

	switch c.Type() {
	case gpmf.TypeNest:
		return r
	case gpmf.TypeChar:
		values, err := c.Strings()
		if err != nil {
			r.Err = err.Error()
		}
		r.Strings = values
		return r
	}

	if c.Repeat() == 0 {
		return r
	}
	r.First = make([]float64, c.ElementsInStruct())
	_, err := gpmf.ScaledData(c, r.First, 0, 1)
	if err != nil {
		r.Err = err.Error()
	}
	return r
}
