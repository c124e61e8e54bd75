package mp4source

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"

	"github.com/hashicorp/go-version"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/sirupsen/logrus"
)

// visualSampleEntrySize is the size of the fixed part of a video sample entry.
const visualSampleEntrySize = 78

// VideoInfo describes the first video track.
type VideoInfo struct {
	Format     string
	Width      int
	Height     int
	ProfileIdc int // 0 if there is no H.264 configuration.
	Frames     uint32
	FrameRate  float64
	Duration   float64 // Seconds.
}

// VideoInfo returns information about the first video track.
//
// The dimensions come from the H.264 SPS when there is one, and from the sample entry otherwise.
func (s *Source) VideoInfo() (*VideoInfo, error) {
	if s.video == nil {
		return nil, fmt.Errorf("no video track: %w", ErrTrackNotFound)
	}
	t := s.video

	info := &VideoInfo{
		Format:   string(t.Format[:]),
		Duration: float64(t.Duration) / float64(t.Timescale),
	}
	frames, numerator, denominator := s.VideoFrameRateAndCount()
	info.Frames = frames
	if denominator != 0 {
		info.FrameRate = float64(numerator) / float64(denominator)
	}

	if len(t.entry) < visualSampleEntrySize {
		return info, fmt.Errorf("video sample entry is only %d bytes: %w", len(t.entry), ErrMalformed)
	}
	info.Width = int(binary.BigEndian.Uint16(t.entry[24:26]))
	info.Height = int(binary.BigEndian.Uint16(t.entry[26:28]))

	record, ok := findAVCConfiguration(t.entry[visualSampleEntrySize:])
	if !ok {
		return info, nil
	}
	var config h264parser.AVCDecoderConfRecord
	_, err := config.Unmarshal(record)
	if err != nil {
		logger.Warnf("Could not parse avcC: %v", err)
		return info, nil
	}
	for spsIndex, sps := range config.SPS {
		spsInfo, err := h264parser.ParseSPS(sps)
		if err != nil {
			logger.Debugf("SPS %d: could not parse: %v", spsIndex, err)
			continue
		}
		logger.WithFields(logrus.Fields{
			"sps":         spsIndex,
			"profile_idc": spsInfo.ProfileIdc,
			"width":       spsInfo.Width,
			"height":      spsInfo.Height,
		}).Debugf("Parsed SPS")
		info.ProfileIdc = int(spsInfo.ProfileIdc)
		info.Width = int(spsInfo.Width)
		info.Height = int(spsInfo.Height)
		break
	}
	return info, nil
}

// findAVCConfiguration looks for an `avcC` box among the children of a sample entry.
func findAVCConfiguration(b []byte) ([]byte, bool) {
	for len(b) >= 8 {
		size := int(binary.BigEndian.Uint32(b))
		if size < 8 || size > len(b) {
			return nil, false
		}
		if string(b[4:8]) == string(boxAVCC[:]) {
			return b[8:size], true
		}
		b = b[size:]
	}
	return nil, false
}

// FirmwareString returns the camera firmware string from `udta/FIRM`, if there is one.
func (s *Source) FirmwareString() string {
	return s.firmware
}

// Firmware parses the camera firmware string as a version.
//
// Camera firmware strings start with a model code (such as "HD7.01.01.90.00"); the code is dropped.
func (s *Source) Firmware() (*version.Version, error) {
	if s.firmware == "" {
		return nil, fmt.Errorf("no firmware string")
	}
	return ParseFirmware(s.firmware)
}

// ParseFirmware parses a firmware string into a version.
func ParseFirmware(firmware string) (*version.Version, error) {
	parts := strings.Split(firmware, ".")
	if len(parts) > 1 && strings.IndexFunc(parts[0], unicode.IsLetter) >= 0 {
		parts = parts[1:]
	}
	v, err := version.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil, fmt.Errorf("could not parse firmware %q: %w", firmware, err)
	}
	return v, nil
}
