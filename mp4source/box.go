package mp4source

import (
	"errors"
	"fmt"
	"io"

	mp4 "github.com/yapingcat/gomedia/go-mp4"
)

// Box type codes.
var (
	boxMOOV = [4]byte{'m', 'o', 'o', 'v'}
	boxMVHD = [4]byte{'m', 'v', 'h', 'd'}
	boxTRAK = [4]byte{'t', 'r', 'a', 'k'}
	boxEDTS = [4]byte{'e', 'd', 't', 's'}
	boxELST = [4]byte{'e', 'l', 's', 't'}
	boxMDIA = [4]byte{'m', 'd', 'i', 'a'}
	boxMDHD = [4]byte{'m', 'd', 'h', 'd'}
	boxHDLR = [4]byte{'h', 'd', 'l', 'r'}
	boxMINF = [4]byte{'m', 'i', 'n', 'f'}
	boxSTBL = [4]byte{'s', 't', 'b', 'l'}
	boxSTSD = [4]byte{'s', 't', 's', 'd'}
	boxSTTS = [4]byte{'s', 't', 't', 's'}
	boxSTSZ = [4]byte{'s', 't', 's', 'z'}
	boxSTSC = [4]byte{'s', 't', 's', 'c'}
	boxSTCO = [4]byte{'s', 't', 'c', 'o'}
	boxCO64 = [4]byte{'c', 'o', '6', '4'}
	boxUDTA = [4]byte{'u', 'd', 't', 'a'}
	boxFIRM = [4]byte{'F', 'I', 'R', 'M'}
	boxAVCC = [4]byte{'a', 'v', 'c', 'C'}
)

// box is a box whose body spans [Start, End) of the file.
type box struct {
	Type  [4]byte
	Start int64
	End   int64
}

// Size returns the size of the body.
func (b box) Size() int64 {
	return b.End - b.Start
}

// Section returns a reader over the body.
func (b box) Section(r io.ReaderAt) *io.SectionReader {
	return io.NewSectionReader(r, b.Start, b.Size())
}

// readBoxes lists the boxes in [start, end).
func readBoxes(r io.ReaderAt, start int64, end int64) ([]box, error) {
	section := io.NewSectionReader(r, start, end-start)

	var result []box
	var offset int64
	for offset+mp4.BasicBoxLen <= end-start {
		basicBox := mp4.BasicBox{}
		headerSize, err := basicBox.Decode(section)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("could not read box header at offset %d: %w", start+offset, err)
		}

		size := int64(basicBox.Size)
		if size == 0 {
			// The box runs to the end of its parent.
			size = end - start - offset
		}
		if size < int64(headerSize) || offset+size > end-start {
			return nil, fmt.Errorf("box %q at offset %d has bad size %d: %w", basicBox.Type[:], start+offset, size, ErrMalformed)
		}

		b := box{
			Type:  basicBox.Type,
			Start: start + offset + int64(headerSize),
			End:   start + offset + size,
		}
		logger.Tracef("Box %q: [%d, %d)", b.Type[:], b.Start, b.End)
		result = append(result, b)

		offset += size
		_, err = section.Seek(offset, io.SeekStart)
		if err != nil {
			return nil, fmt.Errorf("could not seek to offset %d: %w", start+offset, err)
		}
	}
	return result, nil
}

// children lists the boxes inside a box.
func children(r io.ReaderAt, parent box) ([]box, error) {
	return readBoxes(r, parent.Start, parent.End)
}

// findBox returns the first box of the given type.
func findBox(boxes []box, boxType [4]byte) (box, bool) {
	for _, b := range boxes {
		if b.Type == boxType {
			return b, true
		}
	}
	return box{}, false
}

// findPath follows a path of box types down from a parent box.
func findPath(r io.ReaderAt, parent box, path ...[4]byte) (box, bool, error) {
	current := parent
	for _, boxType := range path {
		boxes, err := children(r, current)
		if err != nil {
			return box{}, false, err
		}
		next, ok := findBox(boxes, boxType)
		if !ok {
			return box{}, false, nil
		}
		current = next
	}
	return current, true, nil
}

// readBody reads the whole body of a box.
func readBody(r io.ReaderAt, b box) ([]byte, error) {
	if b.Size() > maxTableSize {
		return nil, fmt.Errorf("box %q is too large: %d bytes: %w", b.Type[:], b.Size(), ErrMalformed)
	}
	buffer := make([]byte, b.Size())
	_, err := r.ReadAt(buffer, b.Start)
	if err != nil {
		return nil, fmt.Errorf("could not read box %q: %w", b.Type[:], err)
	}
	return buffer, nil
}
