package gpmf

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// RateEstimate is the sample rate of a stream across a whole recording.
type RateEstimate struct {
	Rate     float64 // Samples per second.
	Start    float64 // In-time of the first payload containing the stream.
	End      float64 // Out-time of the last payload containing the stream.
	Samples  uint64  // Total number of samples.
	Payloads int     // Number of payloads containing the stream.
}

// Duration returns the time spanned by the stream.
func (r RateEstimate) Duration() float64 {
	return r.End - r.Start
}

// EstimateRate works out the precise sample rate of a stream by counting its samples in every payload.
//
// Payloads that do not contain the stream are skipped.
func EstimateRate(ctx context.Context, reader ContainerReader, key FourCC) (RateEstimate, error) {
	var estimate RateEstimate

	count := reader.PayloadCount()
	var found bool
	for index := uint32(0); index < count; index++ {
		repeat, in, out, err := countSamples(reader, index, key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.WithFields(logrus.Fields{"index": index, "key": key}).Warnf("Skipping payload: %v", err)
			}
		} else {
			if !found {
				estimate.Start = in
				found = true
			}
			estimate.End = out
			estimate.Samples += uint64(repeat)
			estimate.Payloads++
		}

		if err := ctx.Err(); err != nil {
			return estimate, err
		}
	}

	if !found {
		return estimate, fmt.Errorf("%s is not in any of the %d payloads: %w", key, count, ErrNotFound)
	}

	span := estimate.End - estimate.Start
	if span <= 0 {
		return estimate, fmt.Errorf("%s spans [%f, %f]: %w", key, estimate.Start, estimate.End, ErrRateUndetermined)
	}
	estimate.Rate = float64(estimate.Samples) / span

	logger.WithFields(logrus.Fields{
		"key":      key,
		"rate":     estimate.Rate,
		"start":    estimate.Start,
		"end":      estimate.End,
		"samples":  estimate.Samples,
		"payloads": estimate.Payloads,
	}).Debugf("Estimated sample rate")
	return estimate, nil
}

// countSamples returns the number of samples of the first matching record in a payload.
func countSamples(reader ContainerReader, index uint32, key FourCC) (int, float64, float64, error) {
	payload, err := Acquire(reader, index)
	if err != nil {
		return 0, 0, 0, err
	}
	defer payload.Release()

	cursor, err := payload.Cursor()
	if err != nil {
		return 0, 0, 0, err
	}
	err = cursor.FindNext(key, Recurse)
	if err != nil {
		return 0, 0, 0, err
	}
	return cursor.Repeat(), payload.InTime, payload.OutTime, nil
}
