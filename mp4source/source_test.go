package mp4source_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tekkamanendless/gpmf-processor/gpmf"
	"github.com/tekkamanendless/gpmf-processor/mp4source"
)

var keyACCL = gpmf.MustFourCC("ACCL")

// A baseline 1280x720 SPS and its PPS.
var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1f, 0x95, 0xa8, 0x14, 0x01, 0x6e, 0x40}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

func u16(values ...uint16) []byte {
	b := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(b[2*i:], v)
	}
	return b
}

func u32(values ...uint32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(b[4*i:], v)
	}
	return b
}

func mp4Box(boxType string, body ...[]byte) []byte {
	joined := bytes.Join(body, nil)
	result := make([]byte, 8, 8+len(joined))
	binary.BigEndian.PutUint32(result, uint32(8+len(joined)))
	copy(result[4:], boxType)
	return append(result, joined...)
}

func fullBox(boxType string, version byte, body ...[]byte) []byte {
	return mp4Box(boxType, append([]byte{version, 0, 0, 0}, bytes.Join(body, nil)...))
}

type edit struct {
	duration  uint32
	mediaTime int32
}

// movie describes a synthetic file with a GPMF track and a video track.
type movie struct {
	payloads [][]byte
	delta    uint32 // Per payload, in units of 1/1000 s.
	edits    []edit
	frames   int
	firmware string
	wide     bool // Use co64 instead of stco.
	lastSize uint32 // If set, overrides the size of the last payload in stsz.
}

func (m movie) bytes() []byte {
	ftyp := mp4Box("ftyp", []byte("mp41"), u32(0))

	var media []byte
	for _, p := range m.payloads {
		media = append(media, p...)
	}
	dataStart := uint32(len(ftyp) + 8)
	videoStart := dataStart + uint32(len(media))
	media = append(media, make([]byte, 10*m.frames)...)
	mdat := mp4Box("mdat", media)

	mvhd := fullBox("mvhd", 0,
		u32(0, 0, 1000, uint32(len(m.payloads))*m.delta, 0x00010000),
		u16(0x0100), make([]byte, 10), make([]byte, 36), make([]byte, 24), u32(3),
	)

	// Payloads 0 and 1 share the first chunk; every other payload gets a chunk of its own.
	var chunkOffsets []uint32
	position := dataStart
	for i, p := range m.payloads {
		if i != 1 {
			chunkOffsets = append(chunkOffsets, position)
		}
		position += uint32(len(p))
	}
	var sizes []uint32
	for _, p := range m.payloads {
		sizes = append(sizes, uint32(len(p)))
	}
	if m.lastSize != 0 {
		sizes[len(sizes)-1] = m.lastSize
	}
	var offsetTable []byte
	if m.wide {
		offsetTable = fullBox("co64", 0, u32(uint32(len(chunkOffsets))))
		for _, offset := range chunkOffsets {
			offsetTable = append(offsetTable, u32(0, offset)...)
		}
		binary.BigEndian.PutUint32(offsetTable, uint32(len(offsetTable)))
	} else {
		offsetTable = fullBox("stco", 0, u32(uint32(len(chunkOffsets))), u32(chunkOffsets...))
	}

	var editBox []byte
	if len(m.edits) > 0 {
		entries := u32(uint32(len(m.edits)))
		for _, e := range m.edits {
			entries = append(entries, u32(e.duration, uint32(e.mediaTime), 0x00010000)...)
		}
		editBox = mp4Box("edts", fullBox("elst", 0, entries))
	}

	metaTrack := mp4Box("trak",
		editBox,
		mp4Box("mdia",
			fullBox("mdhd", 0, u32(0, 0, 1000, uint32(len(m.payloads))*m.delta), u16(0x55c4, 0)),
			fullBox("hdlr", 0, u32(0), []byte("meta"), make([]byte, 12), []byte("GoPro MET\x00")),
			mp4Box("minf",
				mp4Box("stbl",
					fullBox("stsd", 0, u32(1), mp4Box("gpmd", make([]byte, 6), u16(1))),
					fullBox("stts", 0, u32(1, uint32(len(m.payloads)), m.delta)),
					fullBox("stsc", 0, u32(2, 1, 2, 1, 2, 1, 1)),
					fullBox("stsz", 0, u32(0, uint32(len(sizes))), u32(sizes...)),
					offsetTable,
				),
			),
		),
	)

	avcC := mp4Box("avcC",
		[]byte{0x01, 0x42, 0x00, 0x1f, 0xff, 0xe1}, u16(uint16(len(testSPS))), testSPS,
		[]byte{0x01}, u16(uint16(len(testPPS))), testPPS,
	)
	visual := bytes.Join([][]byte{
		make([]byte, 6), u16(1), make([]byte, 16), u16(1920, 1080),
		u32(0x00480000, 0x00480000, 0), u16(1), make([]byte, 32), u16(0x18, 0xffff),
	}, nil)
	videoTrack := mp4Box("trak",
		mp4Box("mdia",
			fullBox("mdhd", 0, u32(0, 0, 30000, uint32(m.frames)*1001), u16(0x55c4, 0)),
			fullBox("hdlr", 0, u32(0), []byte("vide"), make([]byte, 12), []byte("GoPro AVC\x00")),
			mp4Box("minf",
				mp4Box("stbl",
					fullBox("stsd", 0, u32(1), mp4Box("avc1", visual, avcC)),
					fullBox("stts", 0, u32(1, uint32(m.frames), 1001)),
					fullBox("stsc", 0, u32(1, 1, uint32(m.frames), 1)),
					fullBox("stsz", 0, u32(10, uint32(m.frames))),
					fullBox("stco", 0, u32(1, videoStart)),
				),
			),
		),
	)

	var udta []byte
	if m.firmware != "" {
		udta = mp4Box("udta", mp4Box("FIRM", []byte(m.firmware)))
	}

	moov := mp4Box("moov", mvhd, videoTrack, metaTrack, udta)
	return bytes.Join([][]byte{ftyp, mdat, moov}, nil)
}

func (m movie) write(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(path, m.bytes(), 0644))
	return path
}

// gpmfPayload builds a payload with `samples` three-axis accelerometer samples.
func gpmfPayload(t *testing.T, samples int, base int) []byte {
	t.Helper()
	var values []float64
	for i := 0; i < samples*3; i++ {
		values = append(values, float64(base+i))
	}
	stream := new(bytes.Buffer)
	require.NoError(t, gpmf.WriteString(stream, gpmf.KeyStreamName, "Accelerometer"))
	require.NoError(t, gpmf.WriteValues(stream, gpmf.KeyScale, gpmf.TypeInt16, 1, 10))
	require.NoError(t, gpmf.WriteValues(stream, keyACCL, gpmf.TypeInt16, 3, values...))
	device := new(bytes.Buffer)
	require.NoError(t, gpmf.WriteNest(device, gpmf.KeyStream, stream.Bytes()))
	result := new(bytes.Buffer)
	require.NoError(t, gpmf.WriteNest(result, gpmf.KeyDevice, device.Bytes()))
	return result.Bytes()
}

func testMovie(t *testing.T) movie {
	return movie{
		payloads: [][]byte{
			gpmfPayload(t, 200, 0),
			gpmfPayload(t, 200, 600),
			gpmfPayload(t, 200, 1200),
		},
		delta:    1000,
		frames:   30,
		firmware: "HD7.01.01.90.00",
	}
}

func TestOpen(t *testing.T) {
	m := testMovie(t)
	source, err := mp4source.Open(m.write(t), mp4source.TrackTypeMetadata, mp4source.SubtypeGPMF, 0)
	require.NoError(t, err)
	defer source.Close()

	handler, format, number := source.Track()
	assert.Equal(t, "meta", handler)
	assert.Equal(t, "gpmd", format)
	assert.Equal(t, 1, number)

	require.Equal(t, uint32(3), source.PayloadCount())
	for i, p := range m.payloads {
		index := uint32(i)
		assert.Equal(t, uint32(len(p)), source.PayloadSize(index))

		payload, err := gpmf.Acquire(source, index)
		require.NoError(t, err)
		assert.Equal(t, p, payload.Bytes, "payload %d", i)
		assert.Equal(t, float64(i), payload.InTime)
		assert.Equal(t, float64(i+1), payload.OutTime)
		payload.Release()
	}
	assert.Equal(t, uint32(0), source.PayloadSize(3))
	assert.Equal(t, 0, source.Outstanding())
}

func TestOpenWideChunkOffsets(t *testing.T) {
	m := testMovie(t)
	m.wide = true
	source, err := mp4source.Open(m.write(t), "meta", "gpmd", 0)
	require.NoError(t, err)
	defer source.Close()

	payload, err := gpmf.Acquire(source, 2)
	require.NoError(t, err)
	defer payload.Release()
	assert.Equal(t, m.payloads[2], payload.Bytes)
}

func TestOpenSampleOutsideFile(t *testing.T) {
	m := testMovie(t)
	m.lastSize = 0xfffffff0
	path := m.write(t)

	_, err := mp4source.Open(path, "meta", "gpmd", 0)
	assert.True(t, errors.Is(err, mp4source.ErrTrackNotFound))

	// The video track is still usable.
	source, err := mp4source.Open(path, "vide", "", 0)
	require.NoError(t, err)
	defer source.Close()
	assert.Equal(t, uint32(30), source.PayloadCount())
}

func TestOpenTrackSelection(t *testing.T) {
	path := testMovie(t).write(t)

	source, err := mp4source.Open(path, "meta", "", 0)
	require.NoError(t, err)
	source.Close()

	source, err = mp4source.Open(path, "vide", "", 0)
	require.NoError(t, err)
	_, format, number := source.Track()
	assert.Equal(t, "avc1", format)
	assert.Equal(t, 0, number)
	source.Close()

	_, err = mp4source.Open(path, "meta", "gpmd", 1)
	assert.True(t, errors.Is(err, mp4source.ErrTrackNotFound))

	_, err = mp4source.Open(path, "soun", "", 0)
	assert.True(t, errors.Is(err, mp4source.ErrTrackNotFound))

	_, err = mp4source.Open(path, "meta", "gpmd5", 0)
	assert.Error(t, err)

	_, err = mp4source.Open(filepath.Join(t.TempDir(), "missing.mp4"), "meta", "gpmd", 0)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpenNotAnMP4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.mp4")
	require.NoError(t, os.WriteFile(path, []byte("this is not a movie at all"), 0644))
	_, err := mp4source.Open(path, "meta", "gpmd", 0)
	assert.True(t, errors.Is(err, mp4source.ErrMalformed))
}

func TestEditList(t *testing.T) {
	tests := []struct {
		name   string
		edits  []edit
		offset float64
	}{
		{"none", nil, 0},
		{"delay", []edit{{500, -1}, {3000, 0}}, 0.5},
		{"trim", []edit{{2500, 500}}, -0.5},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := testMovie(t)
			m.edits = test.edits
			source, err := mp4source.Open(m.write(t), "meta", "gpmd", 0)
			require.NoError(t, err)
			defer source.Close()

			in, out, err := source.PayloadTime(1)
			require.NoError(t, err)
			assert.InDelta(t, 1+test.offset, in, 1e-9)
			assert.InDelta(t, 2+test.offset, out, 1e-9)
		})
	}
}

func TestVideo(t *testing.T) {
	source, err := mp4source.Open(testMovie(t).write(t), "meta", "gpmd", 0)
	require.NoError(t, err)
	defer source.Close()

	frames, numerator, denominator := source.VideoFrameRateAndCount()
	assert.Equal(t, uint32(30), frames)
	assert.Equal(t, uint32(30000), numerator)
	assert.Equal(t, uint32(1001), denominator)

	info, err := source.VideoInfo()
	require.NoError(t, err)
	assert.Equal(t, "avc1", info.Format)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.Equal(t, 66, info.ProfileIdc)
	assert.InDelta(t, 29.97, info.FrameRate, 0.01)
	assert.InDelta(t, 1.001, info.Duration, 1e-9)
}

func TestFirmware(t *testing.T) {
	source, err := mp4source.Open(testMovie(t).write(t), "meta", "gpmd", 0)
	require.NoError(t, err)
	defer source.Close()

	assert.Equal(t, "HD7.01.01.90.00", source.FirmwareString())
	v, err := source.Firmware()
	require.NoError(t, err)
	minimum, err := mp4source.ParseFirmware("HD7.01.01.70.00")
	require.NoError(t, err)
	assert.True(t, v.GreaterThan(minimum))

	_, err = mp4source.ParseFirmware("HD7.unknown")
	assert.Error(t, err)
}

func TestExtractFromMovie(t *testing.T) {
	source, err := mp4source.Open(testMovie(t).write(t), "meta", "gpmd", 0)
	require.NoError(t, err)
	defer source.Close()

	estimate, err := gpmf.EstimateRate(context.Background(), source, keyACCL)
	require.NoError(t, err)
	assert.Equal(t, 200.0, estimate.Rate)

	table, err := gpmf.ExtractTag(context.Background(), source, keyACCL, gpmf.ExtractOptions{Interpolate: true})
	require.NoError(t, err)
	require.Len(t, table.Samples, 600)
	assert.Equal(t, "Accelerometer", table.Name)
	assert.Equal(t, []float64{0, 0.1, 0.2}, table.Samples[0].Values)
	assert.Equal(t, []float64{179.7, 179.8, 179.9}, table.Samples[599].Values)
	assert.InDelta(t, 2.995, table.Samples[599].Time, 1e-9)
	assert.Equal(t, 0, source.Outstanding())
}
