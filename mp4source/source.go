package mp4source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/tekkamanendless/gpmf-processor/gpmf"
	mp4 "github.com/yapingcat/gomedia/go-mp4"
)

// Errors returned by this package.
var (
	ErrTrackNotFound = errors.New("track not found")
	ErrMalformed     = errors.New("malformed MP4")
)

// Common track selectors.
const (
	TrackTypeMetadata = "meta"
	TrackTypeVideo    = "vide"
	SubtypeGPMF       = "gpmd"
)

// track is everything needed to read the samples of one track.
type track struct {
	Number    int // Position among all of the tracks.
	Handler   [4]byte
	Format    [4]byte
	Timescale uint32
	Duration  uint64

	sizes   []uint32
	offsets []int64
	times   []uint64 // Start of each sample, plus the end of the last one.
	deltas  []timeToSample
	entry   []byte // The body of the first sample entry.

	// editOffset is added to every sample time, in seconds.
	editOffset float64
}

// Source reads the payloads of a single MP4 track.
type Source struct {
	Path string

	reader         io.ReaderAt
	closer         io.Closer
	movieTimescale uint32
	tracks         []*track
	selected       *track
	video          *track
	firmware       string

	lastHandle gpmf.ResourceHandle
	resources  map[gpmf.ResourceHandle]resource
}

type resource struct {
	index uint32
	data  []byte
}

var _ gpmf.ContainerReader = (*Source)(nil)

// Open opens an MP4 file and selects the `index`th track (counting from 0) with the given handler type
// and sample entry format.  An empty subtype matches any format.
func Open(path string, trackType string, trackSubtype string, index int) (*Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not stat %s: %w", path, err)
	}

	source, err := NewSource(file, stat.Size(), trackType, trackSubtype, index)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	source.Path = path
	source.closer = file
	return source, nil
}

// NewSource reads an MP4 from any `io.ReaderAt`; see `Open`.
func NewSource(reader io.ReaderAt, size int64, trackType string, trackSubtype string, index int) (*Source, error) {
	if len(trackType) != 4 {
		return nil, fmt.Errorf("track type %q is not four characters", trackType)
	}
	if trackSubtype != "" && len(trackSubtype) != 4 {
		return nil, fmt.Errorf("track subtype %q is not four characters", trackSubtype)
	}
	if index < 0 {
		return nil, fmt.Errorf("track index %d is negative", index)
	}

	source := &Source{
		reader:    reader,
		resources: map[gpmf.ResourceHandle]resource{},
	}
	err := source.parse(size)
	if err != nil {
		return nil, err
	}

	matches := 0
	for _, t := range source.tracks {
		if string(t.Handler[:]) != trackType {
			continue
		}
		if trackSubtype != "" && string(t.Format[:]) != trackSubtype {
			continue
		}
		if matches == index {
			source.selected = t
			break
		}
		matches++
	}
	if source.selected == nil {
		return nil, fmt.Errorf("no %s/%s track at index %d (%d tracks): %w", trackType, trackSubtype, index, len(source.tracks), ErrTrackNotFound)
	}

	logger.WithFields(logrus.Fields{
		"track":     source.selected.Number,
		"handler":   string(source.selected.Handler[:]),
		"format":    string(source.selected.Format[:]),
		"timescale": source.selected.Timescale,
		"samples":   len(source.selected.sizes),
		"offset":    source.selected.editOffset,
	}).Debugf("Selected track")
	return source, nil
}

func (s *Source) parse(size int64) error {
	top, err := readBoxes(s.reader, 0, size)
	if err != nil {
		return err
	}
	moov, ok := findBox(top, boxMOOV)
	if !ok {
		return fmt.Errorf("no moov box: %w", ErrMalformed)
	}
	boxes, err := children(s.reader, moov)
	if err != nil {
		return err
	}

	for _, b := range boxes {
		switch b.Type {
		case boxMVHD:
			mvhd := mp4.MovieHeaderBox{Box: new(mp4.FullBox)}
			_, err = mvhd.Decode(b.Section(s.reader))
			if err != nil {
				return fmt.Errorf("could not decode mvhd: %w", err)
			}
			s.movieTimescale = mvhd.Timescale
		case boxUDTA:
			firm, ok, err := findPath(s.reader, b, boxFIRM)
			if err != nil {
				logger.Warnf("Could not read udta: %v", err)
				continue
			}
			if ok {
				body, err := readBody(s.reader, firm)
				if err != nil {
					return err
				}
				s.firmware = trimString(body)
			}
		}
	}

	for _, b := range boxes {
		if b.Type != boxTRAK {
			continue
		}
		t, err := s.parseTrack(b, len(s.tracks))
		if err == nil {
			err = checkSampleBounds(t.offsets, t.sizes, size)
		}
		if err != nil {
			// One bad track should not hide the others.
			logger.WithFields(logrus.Fields{"track": len(s.tracks)}).Warnf("Skipping track: %v", err)
			continue
		}
		s.tracks = append(s.tracks, t)
		if s.video == nil && string(t.Handler[:]) == TrackTypeVideo {
			s.video = t
		}
	}
	return nil
}

func (s *Source) parseTrack(trak box, number int) (*track, error) {
	t := &track{Number: number}

	mdia, ok, err := findPath(s.reader, trak, boxMDIA)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no mdia box: %w", ErrMalformed)
	}
	mdiaBoxes, err := children(s.reader, mdia)
	if err != nil {
		return nil, err
	}

	mdhdBox, ok := findBox(mdiaBoxes, boxMDHD)
	if !ok {
		return nil, fmt.Errorf("no mdhd box: %w", ErrMalformed)
	}
	mdhd := mp4.MediaHeaderBox{Box: new(mp4.FullBox)}
	_, err = mdhd.Decode(mdhdBox.Section(s.reader))
	if err != nil {
		return nil, fmt.Errorf("could not decode mdhd: %w", err)
	}
	if mdhd.Timescale == 0 {
		return nil, fmt.Errorf("time scale is zero: %w", ErrMalformed)
	}
	t.Timescale = mdhd.Timescale
	t.Duration = mdhd.Duration

	hdlrBox, ok := findBox(mdiaBoxes, boxHDLR)
	if !ok {
		return nil, fmt.Errorf("no hdlr box: %w", ErrMalformed)
	}
	body, err := readBody(s.reader, hdlrBox)
	if err != nil {
		return nil, err
	}
	t.Handler, err = parseHandler(body)
	if err != nil {
		return nil, fmt.Errorf("could not parse hdlr: %w", err)
	}

	stbl, ok, err := findPath(s.reader, mdia, boxMINF, boxSTBL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no stbl box: %w", ErrMalformed)
	}
	err = t.parseSampleTable(s.reader, stbl)
	if err != nil {
		return nil, err
	}

	elst, ok, err := findPath(s.reader, trak, boxEDTS, boxELST)
	if err != nil {
		return nil, err
	}
	if ok {
		body, err := readBody(s.reader, elst)
		if err != nil {
			return nil, err
		}
		edits, err := parseEditList(body)
		if err != nil {
			return nil, fmt.Errorf("could not parse elst: %w", err)
		}
		t.editOffset = editOffset(edits, s.movieTimescale, t.Timescale)
	}

	logger.WithFields(logrus.Fields{
		"track":   number,
		"handler": string(t.Handler[:]),
		"format":  string(t.Format[:]),
		"samples": len(t.sizes),
	}).Debugf("Found track")
	return t, nil
}

func (t *track) parseSampleTable(reader io.ReaderAt, stbl box) error {
	boxes, err := children(reader, stbl)
	if err != nil {
		return err
	}

	table := func(boxType [4]byte) ([]byte, error) {
		b, ok := findBox(boxes, boxType)
		if !ok {
			return nil, fmt.Errorf("no %s box: %w", boxType[:], ErrMalformed)
		}
		return readBody(reader, b)
	}

	body, err := table(boxSTSD)
	if err != nil {
		return err
	}
	t.Format, t.entry, err = parseSampleDescription(body)
	if err != nil {
		return fmt.Errorf("could not parse stsd: %w", err)
	}

	body, err = table(boxSTSZ)
	if err != nil {
		return err
	}
	t.sizes, err = parseSampleSizes(body)
	if err != nil {
		return fmt.Errorf("could not parse stsz: %w", err)
	}

	body, err = table(boxSTTS)
	if err != nil {
		return err
	}
	t.deltas, err = parseTimeToSample(body)
	if err != nil {
		return fmt.Errorf("could not parse stts: %w", err)
	}
	t.times, err = sampleTimes(t.deltas, len(t.sizes))
	if err != nil {
		return err
	}

	body, err = table(boxSTSC)
	if err != nil {
		return err
	}
	chunks, err := parseSampleToChunk(body)
	if err != nil {
		return fmt.Errorf("could not parse stsc: %w", err)
	}

	var chunkOffsets []int64
	if _, ok := findBox(boxes, boxCO64); ok {
		body, err = table(boxCO64)
		if err != nil {
			return err
		}
		chunkOffsets, err = parseChunkOffsets(body, true)
	} else {
		body, err = table(boxSTCO)
		if err != nil {
			return err
		}
		chunkOffsets, err = parseChunkOffsets(body, false)
	}
	if err != nil {
		return fmt.Errorf("could not parse chunk offsets: %w", err)
	}

	t.offsets, err = sampleOffsets(t.sizes, chunks, chunkOffsets)
	return err
}

// editOffset works out how far the edit list moves the track, in seconds.
//
// Empty edits delay the track; the media time of the first real edit trims its start.
func editOffset(edits []editEntry, movieTimescale uint32, mediaTimescale uint32) float64 {
	var offset float64
	for _, edit := range edits {
		if edit.MediaTime == -1 {
			if movieTimescale != 0 {
				offset += float64(edit.SegmentDuration) / float64(movieTimescale)
			}
			continue
		}
		offset -= float64(edit.MediaTime) / float64(mediaTimescale)
		break
	}
	return offset
}

// trimString turns a fixed-size string field into a Go string.
func trimString(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}

// Track returns the handler type, format, and position of the selected track.
func (s *Source) Track() (string, string, int) {
	return string(s.selected.Handler[:]), string(s.selected.Format[:]), s.selected.Number
}

// PayloadCount returns the number of samples in the selected track.
func (s *Source) PayloadCount() uint32 {
	return uint32(len(s.selected.sizes))
}

// PayloadSize returns the size of a sample; 0 if the index is out of range.
func (s *Source) PayloadSize(index uint32) uint32 {
	if int(index) >= len(s.selected.sizes) {
		return 0
	}
	return s.selected.sizes[index]
}

// AcquirePayloadResource reads a sample from the file.
func (s *Source) AcquirePayloadResource(index uint32, size uint32) (gpmf.ResourceHandle, error) {
	if int(index) >= len(s.selected.sizes) {
		return 0, fmt.Errorf("index %d out of range [0, %d)", index, len(s.selected.sizes))
	}
	if size != s.selected.sizes[index] {
		return 0, fmt.Errorf("payload %d is %d bytes, not %d", index, s.selected.sizes[index], size)
	}

	data := make([]byte, size)
	n, err := s.reader.ReadAt(data, s.selected.offsets[index])
	if n < len(data) {
		return 0, fmt.Errorf("could not read %d bytes at offset %d: %w", size, s.selected.offsets[index], err)
	}

	s.lastHandle++
	s.resources[s.lastHandle] = resource{index: index, data: data}
	return s.lastHandle, nil
}

// PayloadBytes returns the bytes held by a resource.
func (s *Source) PayloadBytes(handle gpmf.ResourceHandle, index uint32) ([]byte, error) {
	r, ok := s.resources[handle]
	if !ok || r.index != index {
		return nil, fmt.Errorf("resource %d does not hold payload %d", handle, index)
	}
	return r.data, nil
}

// ReleasePayloadResource drops a resource.
func (s *Source) ReleasePayloadResource(handle gpmf.ResourceHandle) {
	delete(s.resources, handle)
}

// Outstanding returns the number of resources that have not been released.
func (s *Source) Outstanding() int {
	return len(s.resources)
}

// PayloadTime returns the time window of a sample in seconds, including the edit list offset.
func (s *Source) PayloadTime(index uint32) (float64, float64, error) {
	t := s.selected
	if int(index) >= len(t.sizes) {
		return 0, 0, fmt.Errorf("index %d out of range [0, %d)", index, len(t.sizes))
	}
	scale := float64(t.Timescale)
	in := float64(t.times[index])/scale + t.editOffset
	out := float64(t.times[index+1])/scale + t.editOffset
	return in, out, nil
}

// VideoFrameRateAndCount returns the frame count and frame rate of the first video track.
//
// The frame rate is numerator / denominator; all three are 0 without a video track.
func (s *Source) VideoFrameRateAndCount() (uint32, uint32, uint32) {
	if s.video == nil || len(s.video.deltas) == 0 || s.video.deltas[0].Delta == 0 {
		return 0, 0, 0
	}
	return uint32(len(s.video.sizes)), s.video.Timescale, s.video.deltas[0].Delta
}

// Close closes the file.
func (s *Source) Close() error {
	for handle := range s.resources {
		logger.Warnf("Resource %d was never released", handle)
	}
	s.resources = map[gpmf.ResourceHandle]resource{}
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
