package gpmfconv

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/tekkamanendless/gpmf-processor/gpmf"
)

// ChannelSummary describes the values of one element of a stream.
type ChannelSummary struct {
	Element           int
	Count             int // Values that were decoded.
	Invalid           int // Values that could not be decoded.
	Min               float64
	Max               float64
	Mean              float64
	Median            float64
	StandardDeviation float64
}

// Summarize computes statistics for every element of a sample table.
func Summarize(table *gpmf.SampleTable) ([]ChannelSummary, error) {
	var result []ChannelSummary
	for e := 0; e < table.Elements; e++ {
		summary := ChannelSummary{Element: e}

		var data stats.Float64Data
		for _, value := range table.Channel(e) {
			if math.IsNaN(value) {
				summary.Invalid++
				continue
			}
			data = append(data, value)
		}
		summary.Count = len(data)
		if summary.Count == 0 {
			result = append(result, summary)
			continue
		}

		var err error
		summary.Min, err = stats.Min(data)
		if err != nil {
			return nil, fmt.Errorf("could not compute the minimum of element %d: %w", e, err)
		}
		summary.Max, err = stats.Max(data)
		if err != nil {
			return nil, fmt.Errorf("could not compute the maximum of element %d: %w", e, err)
		}
		summary.Mean, err = stats.Mean(data)
		if err != nil {
			return nil, fmt.Errorf("could not compute the mean of element %d: %w", e, err)
		}
		summary.Median, err = stats.Median(data)
		if err != nil {
			return nil, fmt.Errorf("could not compute the median of element %d: %w", e, err)
		}
		summary.StandardDeviation, err = stats.StandardDeviation(data)
		if err != nil {
			return nil, fmt.Errorf("could not compute the standard deviation of element %d: %w", e, err)
		}
		result = append(result, summary)
	}
	return result, nil
}
