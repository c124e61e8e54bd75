package gpmfconv

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tekkamanendless/gpmf-processor/gpmf"
)

// WAV parameters.
const (
	wavBitDepth    = 16
	wavAudioFormat = 0x0001 // PCM
)

// MakePCM creates an `audio.IntBuffer` from a sample table, one channel per element.
//
// Every channel is scaled so that its largest magnitude fills the 16-bit range.  Values that
// could not be decoded become silence.
func MakePCM(table *gpmf.SampleTable, sampleRate int) (*audio.IntBuffer, error) {
	if table.Elements == 0 || len(table.Samples) == 0 {
		return nil, fmt.Errorf("no samples for %s", table.Tag)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}

	peaks := make([]float64, table.Elements)
	for _, sample := range table.Samples {
		for e, value := range sample.Values {
			if e >= table.Elements {
				break
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			peaks[e] = math.Max(peaks[e], math.Abs(value))
		}
	}
	logger.Debugf("Channel peaks for %s: %v", table.Tag, peaks)

	intBuffer := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: table.Elements,
			SampleRate:  sampleRate,
		},
		SourceBitDepth: wavBitDepth,
		Data:           make([]int, 0, len(table.Samples)*table.Elements),
	}
	for _, sample := range table.Samples {
		for e := 0; e < table.Elements; e++ {
			value := 0.0
			if e < len(sample.Values) {
				value = sample.Values[e]
			}
			if math.IsNaN(value) || math.IsInf(value, 0) || peaks[e] == 0 {
				value = 0
			} else {
				value = value / peaks[e] * math.MaxInt16
			}
			intBuffer.Data = append(intBuffer.Data, int(math.Round(value)))
		}
	}
	return intBuffer, nil
}

// WriteWAV writes a sample table as a 16-bit PCM WAV file at the given sample rate.
func WriteWAV(out io.WriteSeeker, table *gpmf.SampleTable, sampleRate int) error {
	intBuffer, err := MakePCM(table, sampleRate)
	if err != nil {
		return err
	}

	wavEncoder := wav.NewEncoder(out, intBuffer.Format.SampleRate, intBuffer.SourceBitDepth, intBuffer.Format.NumChannels, wavAudioFormat)
	logger.Debugf("WAV encoder: Sample rate: %d, Bit Depth: %d, Channels: %d", intBuffer.Format.SampleRate, intBuffer.SourceBitDepth, intBuffer.Format.NumChannels)
	err = wavEncoder.Write(intBuffer)
	if err != nil {
		return fmt.Errorf("could not write the audio data: %w", err)
	}
	err = wavEncoder.Close()
	if err != nil {
		return fmt.Errorf("could not finish the WAV file: %w", err)
	}
	return nil
}
