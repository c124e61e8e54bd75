package mp4source

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// maxTableSize is the largest box body that will be read into memory.
const maxTableSize = 64 << 20

// timeToSample is an `stts` entry.
type timeToSample struct {
	Count uint32
	Delta uint32
}

// sampleToChunk is an `stsc` entry.
type sampleToChunk struct {
	FirstChunk      uint32
	SamplesPerChunk uint32
	DescriptionID   uint32
}

// editEntry is an `elst` entry, in the movie and media time scales.
type editEntry struct {
	SegmentDuration uint64
	MediaTime       int64
	Rate            uint32
}

// fullBoxReader reads the version and flags of a full box and returns a reader over the rest.
func fullBoxReader(body []byte) (*bytes.Reader, uint8, error) {
	if len(body) < 4 {
		return nil, 0, fmt.Errorf("full box is only %d bytes: %w", len(body), ErrMalformed)
	}
	return bytes.NewReader(body[4:]), body[0], nil
}

// readCount reads an entry count and makes sure that the entries can fit in what is left.
func readCount(reader *bytes.Reader, entrySize int) (uint32, error) {
	var count uint32
	err := binary.Read(reader, binary.BigEndian, &count)
	if err != nil {
		return 0, fmt.Errorf("could not read the entry count: %w", err)
	}
	if uint64(count)*uint64(entrySize) > uint64(reader.Len()) {
		return 0, fmt.Errorf("%d entries of %d bytes do not fit in %d bytes: %w", count, entrySize, reader.Len(), ErrMalformed)
	}
	return count, nil
}

func parseHandler(body []byte) ([4]byte, error) {
	var handler [4]byte
	reader, _, err := fullBoxReader(body)
	if err != nil {
		return handler, err
	}
	_, err = reader.Seek(4, io.SeekCurrent) // pre_defined
	if err != nil {
		return handler, err
	}
	_, err = io.ReadFull(reader, handler[:])
	if err != nil {
		return handler, fmt.Errorf("could not read the handler type: %w", err)
	}
	return handler, nil
}

// parseSampleDescription returns the format and body of the first sample entry.
func parseSampleDescription(body []byte) ([4]byte, []byte, error) {
	var format [4]byte
	reader, _, err := fullBoxReader(body)
	if err != nil {
		return format, nil, err
	}
	count, err := readCount(reader, 8)
	if err != nil {
		return format, nil, err
	}
	if count == 0 {
		return format, nil, fmt.Errorf("no sample entries: %w", ErrMalformed)
	}
	var size uint32
	err = binary.Read(reader, binary.BigEndian, &size)
	if err != nil {
		return format, nil, fmt.Errorf("could not read the sample entry size: %w", err)
	}
	_, err = io.ReadFull(reader, format[:])
	if err != nil {
		return format, nil, fmt.Errorf("could not read the sample entry format: %w", err)
	}
	if size < 8 || int(size-8) > reader.Len() {
		return format, nil, fmt.Errorf("sample entry %q has bad size %d: %w", format[:], size, ErrMalformed)
	}
	entry := make([]byte, size-8)
	_, err = io.ReadFull(reader, entry)
	if err != nil {
		return format, nil, fmt.Errorf("could not read the sample entry: %w", err)
	}
	return format, entry, nil
}

func parseTimeToSample(body []byte) ([]timeToSample, error) {
	reader, _, err := fullBoxReader(body)
	if err != nil {
		return nil, err
	}
	count, err := readCount(reader, 8)
	if err != nil {
		return nil, err
	}
	entries := make([]timeToSample, count)
	err = binary.Read(reader, binary.BigEndian, entries)
	if err != nil {
		return nil, fmt.Errorf("could not read the time-to-sample entries: %w", err)
	}
	return entries, nil
}

// parseSampleSizes returns the size of every sample.
func parseSampleSizes(body []byte) ([]uint32, error) {
	reader, _, err := fullBoxReader(body)
	if err != nil {
		return nil, err
	}
	var sampleSize uint32
	err = binary.Read(reader, binary.BigEndian, &sampleSize)
	if err != nil {
		return nil, fmt.Errorf("could not read the sample size: %w", err)
	}
	if sampleSize != 0 {
		var count uint32
		err = binary.Read(reader, binary.BigEndian, &count)
		if err != nil {
			return nil, fmt.Errorf("could not read the sample count: %w", err)
		}
		if count > maxTableSize {
			return nil, fmt.Errorf("too many samples: %d: %w", count, ErrMalformed)
		}
		sizes := make([]uint32, count)
		for i := range sizes {
			sizes[i] = sampleSize
		}
		return sizes, nil
	}

	count, err := readCount(reader, 4)
	if err != nil {
		return nil, err
	}
	sizes := make([]uint32, count)
	err = binary.Read(reader, binary.BigEndian, sizes)
	if err != nil {
		return nil, fmt.Errorf("could not read the sample sizes: %w", err)
	}
	return sizes, nil
}

func parseSampleToChunk(body []byte) ([]sampleToChunk, error) {
	reader, _, err := fullBoxReader(body)
	if err != nil {
		return nil, err
	}
	count, err := readCount(reader, 12)
	if err != nil {
		return nil, err
	}
	entries := make([]sampleToChunk, count)
	err = binary.Read(reader, binary.BigEndian, entries)
	if err != nil {
		return nil, fmt.Errorf("could not read the sample-to-chunk entries: %w", err)
	}
	for i, entry := range entries {
		if entry.FirstChunk == 0 || (i > 0 && entry.FirstChunk <= entries[i-1].FirstChunk) {
			return nil, fmt.Errorf("sample-to-chunk entry %d has first chunk %d: %w", i, entry.FirstChunk, ErrMalformed)
		}
	}
	return entries, nil
}

// parseChunkOffsets handles both `stco` and `co64`.
func parseChunkOffsets(body []byte, wide bool) ([]int64, error) {
	reader, _, err := fullBoxReader(body)
	if err != nil {
		return nil, err
	}
	entrySize := 4
	if wide {
		entrySize = 8
	}
	count, err := readCount(reader, entrySize)
	if err != nil {
		return nil, err
	}
	offsets := make([]int64, count)
	if wide {
		values := make([]uint64, count)
		err = binary.Read(reader, binary.BigEndian, values)
		for i, v := range values {
			offsets[i] = int64(v)
		}
	} else {
		values := make([]uint32, count)
		err = binary.Read(reader, binary.BigEndian, values)
		for i, v := range values {
			offsets[i] = int64(v)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not read the chunk offsets: %w", err)
	}
	return offsets, nil
}

func parseEditList(body []byte) ([]editEntry, error) {
	reader, version, err := fullBoxReader(body)
	if err != nil {
		return nil, err
	}
	entrySize := 12
	if version == 1 {
		entrySize = 20
	}
	count, err := readCount(reader, entrySize)
	if err != nil {
		return nil, err
	}
	entries := make([]editEntry, count)
	for i := range entries {
		if version == 1 {
			var entry struct {
				SegmentDuration uint64
				MediaTime       int64
				Rate            uint32
			}
			err = binary.Read(reader, binary.BigEndian, &entry)
			entries[i] = editEntry(entry)
		} else {
			var entry struct {
				SegmentDuration uint32
				MediaTime       int32
				Rate            uint32
			}
			err = binary.Read(reader, binary.BigEndian, &entry)
			entries[i] = editEntry{
				SegmentDuration: uint64(entry.SegmentDuration),
				MediaTime:       int64(entry.MediaTime),
				Rate:            entry.Rate,
			}
		}
		if err != nil {
			return nil, fmt.Errorf("could not read edit %d: %w", i, err)
		}
	}
	return entries, nil
}

// sampleOffsets works out the file offset of every sample.
func sampleOffsets(sizes []uint32, chunks []sampleToChunk, chunkOffsets []int64) ([]int64, error) {
	offsets := make([]int64, 0, len(sizes))
	entry := 0
	for chunk := range chunkOffsets {
		chunkNumber := uint32(chunk + 1)
		for entry+1 < len(chunks) && chunks[entry+1].FirstChunk <= chunkNumber {
			entry++
		}
		if len(chunks) == 0 || chunks[entry].FirstChunk > chunkNumber {
			return nil, fmt.Errorf("chunk %d has no sample-to-chunk entry: %w", chunkNumber, ErrMalformed)
		}

		position := chunkOffsets[chunk]
		for s := uint32(0); s < chunks[entry].SamplesPerChunk && len(offsets) < len(sizes); s++ {
			offsets = append(offsets, position)
			position += int64(sizes[len(offsets)-1])
		}
	}
	if len(offsets) != len(sizes) {
		return nil, fmt.Errorf("chunks hold %d samples; expected %d: %w", len(offsets), len(sizes), ErrMalformed)
	}
	return offsets, nil
}

// checkSampleBounds makes sure that every sample lies within a file of the given size.
func checkSampleBounds(offsets []int64, sizes []uint32, fileSize int64) error {
	for i, offset := range offsets {
		if offset < 0 || offset > fileSize || int64(sizes[i]) > fileSize-offset {
			return fmt.Errorf("sample %d (%d bytes at offset %d) is outside of the %d-byte file: %w", i, sizes[i], offset, fileSize, ErrMalformed)
		}
	}
	return nil
}

// sampleTimes expands the time-to-sample table into a start time for every sample, plus the end of the last one.
func sampleTimes(entries []timeToSample, count int) ([]uint64, error) {
	times := make([]uint64, 0, count+1)
	var current uint64
	for _, entry := range entries {
		for i := uint32(0); i < entry.Count && len(times) < count; i++ {
			times = append(times, current)
			current += uint64(entry.Delta)
		}
	}
	if len(times) != count {
		return nil, fmt.Errorf("time-to-sample table covers %d samples; expected %d: %w", len(times), count, ErrMalformed)
	}
	return append(times, current), nil
}
