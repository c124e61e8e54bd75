package gpmf

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tekkamanendless/gpmf-processor/hexline"
	"go.uber.org/multierr"
)

// ExtractOptions controls how samples are extracted.
type ExtractOptions struct {
	// Interpolate spreads the samples of each payload evenly across its time window.
	// Otherwise, every sample is stamped with its payload's in-time.
	Interpolate bool
	// AllMatches uses every matching record in a payload, not just the first one.
	AllMatches bool
}

// Sample is a single time-stamped sample.
type Sample struct {
	Time   float64
	Values []float64
}

// SampleTable contains every sample of a stream across a recording.
type SampleTable struct {
	Tag      FourCC
	Name     string   // From STNM, if present.
	Units    []string // From SIUN or UNIT, if present.
	Elements int      // Values per sample.
	Samples  []Sample
	Errors   []*PayloadError
}

// Channel returns the values of one element across all samples.
func (t *SampleTable) Channel(element int) []float64 {
	result := make([]float64, 0, len(t.Samples))
	for _, sample := range t.Samples {
		if element < len(sample.Values) {
			result = append(result, sample.Values[element])
		}
	}
	return result
}

// ExtractTag decodes every sample of a stream, in payload order.
//
// Payloads without the stream contribute nothing.  Payloads that fail are recorded in the
// table's `Errors`, and the returned error combines them; the table always holds every sample
// that was decoded.
func ExtractTag(ctx context.Context, reader ContainerReader, key FourCC, options ExtractOptions) (*SampleTable, error) {
	table := &SampleTable{
		Tag: key,
	}

	count := reader.PayloadCount()
	logger.WithFields(logrus.Fields{"key": key, "payloads": count}).Debugf("Extracting")

	var errs error
	for index := uint32(0); index < count; index++ {
		err := table.extractPayload(reader, index, options)
		if err != nil {
			logger.WithFields(logrus.Fields{"index": index, "key": key}).Warnf("Could not decode payload: %v", err)
			payloadErr := &PayloadError{Index: index, Err: err}
			table.Errors = append(table.Errors, payloadErr)
			errs = multierr.Append(errs, payloadErr)
		}

		// The payload has already been released by now.
		if err := ctx.Err(); err != nil {
			return table, multierr.Append(errs, err)
		}
	}

	logger.WithFields(logrus.Fields{"key": key, "samples": len(table.Samples), "errors": len(table.Errors)}).Debugf("Extracted")
	return table, errs
}

// extractPayload appends the samples from one payload.
//
// A missing stream is not an error.  On failure, nothing is appended unless the failure
// only affected some of the elements.
func (t *SampleTable) extractPayload(reader ContainerReader, index uint32, options ExtractOptions) error {
	payload, err := Acquire(reader, index)
	if err != nil {
		return err
	}
	defer payload.Release()

	cursor, err := payload.Cursor()
	if err != nil {
		return err
	}
	cursor.ResetState()

	var values [][]float64
	var result error
	for {
		err = cursor.FindNext(t.Tag, Recurse)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			traceBytes(payload)
			if len(values) == 0 {
				return err
			}
			// Keep what was found before the damage.
			result = err
			break
		}
		logger.WithFields(logrus.Fields{"index": index, "key": t.Tag, "offset": cursor.Offset(), "samples": cursor.Repeat()}).Debugf("Found")

		t.describe(cursor)

		elements := cursor.ElementsInStruct()
		samples := cursor.Repeat()
		buffer := make([]float64, samples*elements)
		_, err = ScaledData(cursor, buffer, 0, samples)
		if err != nil {
			var unsupported *UnsupportedTypeError
			if !errors.As(err, &unsupported) || !unsupported.Partial() {
				return err
			}
			result = err
		}
		if elements > t.Elements {
			t.Elements = elements
		}
		for s := 0; s < samples; s++ {
			values = append(values, buffer[s*elements:(s+1)*elements])
		}

		if !options.AllMatches {
			break
		}
	}
	if len(values) == 0 {
		logger.WithFields(logrus.Fields{"index": index, "key": t.Tag}).Debugf("Not found")
		return result
	}

	step := 0.0
	if options.Interpolate {
		step = (payload.OutTime - payload.InTime) / float64(len(values))
	}
	for i, v := range values {
		t.Samples = append(t.Samples, Sample{
			Time:   payload.InTime + float64(i)*step,
			Values: v,
		})
	}
	return result
}

// describe picks up the stream name and units from the records around the match.
func (t *SampleTable) describe(cursor *Cursor) {
	if t.Name == "" {
		if name, ok := siblingStrings(cursor, KeyStreamName); ok && len(name) > 0 {
			t.Name = name[0]
		}
	}
	if len(t.Units) == 0 {
		if units, ok := siblingStrings(cursor, KeySIUnits); ok {
			t.Units = units
		} else if units, ok := siblingStrings(cursor, KeyUnits); ok {
			t.Units = units
		}
	}
}

func siblingStrings(cursor *Cursor, key FourCC) ([]string, bool) {
	h, offset, ok := cursor.sibling(key)
	if !ok {
		return nil, false
	}
	// Read the sibling through a cursor of its own so the main one stays put.
	end := offset + HeaderSize + h.paddedSize()
	if end > len(cursor.buf) {
		end = offset + HeaderSize + h.dataSize()
	}
	sub, err := NewCursor(cursor.buf[offset:end])
	if err != nil {
		return nil, false
	}
	if err := sub.Next(TopLevel); err != nil {
		return nil, false
	}
	result, err := sub.Strings()
	if err != nil {
		return nil, false
	}
	return result, true
}

// traceBytes logs the start of a payload that could not be decoded.
func traceBytes(payload *Payload) {
	if !logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	for _, line := range hexline.Lines(payload.Bytes[:min(len(payload.Bytes), 256)], 0, 32) {
		logger.WithFields(logrus.Fields{"index": payload.Index}).Trace(line)
	}
}

// ListPayloadTags returns the distinct top-level keys of one payload, in order.
func ListPayloadTags(reader ContainerReader, index uint32) ([]FourCC, error) {
	payload, err := Acquire(reader, index)
	if err != nil {
		return nil, err
	}
	defer payload.Release()

	cursor, err := payload.Cursor()
	if err != nil {
		return nil, err
	}

	seen := map[FourCC]bool{}
	var result []FourCC
	for {
		err = cursor.Next(TopLevel)
		if errors.Is(err, ErrNotFound) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("could not list payload %d: %w", index, err)
		}
		if !seen[cursor.Key()] {
			seen[cursor.Key()] = true
			result = append(result, cursor.Key())
		}
	}
}
