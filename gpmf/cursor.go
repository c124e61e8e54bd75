package gpmf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// HeaderSize is the size of a record header.
const HeaderSize = 8

// Levels controls how far a search may travel.
type Levels int

// Search levels.
const (
	// TopLevel stays at the current nesting level and never descends.
	TopLevel Levels = iota
	// Recurse descends into nested records, depth-first.
	Recurse
)

// header is a decoded record header.
type header struct {
	key        FourCC
	typ        Type
	structSize int
	repeat     int
}

func (h header) dataSize() int {
	return h.structSize * h.repeat
}

func (h header) paddedSize() int {
	return (h.dataSize() + 3) &^ 3
}

// scope is a run of sibling records.
type scope struct {
	start  int // Offset of the first sibling.
	end    int // One past the last byte available to the siblings.
	resume int // Where the parent level continues once this scope is done.
}

// Cursor walks the records of a single payload.
//
// A cursor borrows its buffer; it must not outlive the payload that owns the bytes,
// and it must not be used from more than one goroutine at a time.
type Cursor struct {
	buf   []byte
	scope scope
	stack []scope
	next  int

	pos     int
	current header
	valid   bool

	damaged error // The first damaged subtree that was skipped.
	broken  error // Top-level damage; nothing more can be read.
}

// NewCursor creates a cursor over a payload buffer.
func NewCursor(buf []byte) (*Cursor, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty buffer: %w", ErrStructuralCorruption)
	}
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("truncated header: %d bytes: %w", len(buf), ErrStructuralCorruption)
	}
	c := &Cursor{buf: buf}
	c.ResetState()
	return c, nil
}

// ResetState rewinds the cursor to the start of the buffer.
func (c *Cursor) ResetState() {
	c.scope = scope{start: 0, end: len(c.buf), resume: len(c.buf)}
	c.stack = nil
	c.next = 0
	c.pos = 0
	c.current = header{}
	c.valid = false
	c.damaged = nil
	c.broken = nil
}

// readHeader decodes the header at the given offset, making sure that the record fits in the scope.
//
// A zero key marks the end of the scope; in that case, this returns `ok` as false with no error.
func (c *Cursor) readHeader(offset int, end int) (h header, ok bool, err error) {
	if offset+HeaderSize > end {
		if allZero(c.buf[offset:end]) {
			return header{}, false, nil
		}
		return header{}, false, fmt.Errorf("truncated header at offset %d (%d bytes remain): %w", offset, end-offset, ErrStructuralCorruption)
	}
	h.key = MakeFourCC([4]byte{c.buf[offset], c.buf[offset+1], c.buf[offset+2], c.buf[offset+3]})
	if h.key == 0 {
		return header{}, false, nil
	}
	if !h.key.Valid() {
		return header{}, false, fmt.Errorf("invalid key %x at offset %d: %w", c.buf[offset:offset+4], offset, ErrStructuralCorruption)
	}
	h.typ = Type(c.buf[offset+4])
	h.structSize = int(c.buf[offset+5])
	h.repeat = int(binary.BigEndian.Uint16(c.buf[offset+6:]))

	remaining := end - offset - HeaderSize
	if h.dataSize() > remaining {
		return header{}, false, fmt.Errorf("record %s at offset %d declares %d bytes but only %d remain: %w", h.key, offset, h.dataSize(), remaining, ErrStructuralCorruption)
	}
	return h, true, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Next moves to the next record, whatever its key.
//
// With `Recurse`, a nested record's children are visited right after the record itself,
// and the search continues at the parent level once they are exhausted.
// With `TopLevel`, the search ends at the end of the current level.
//
// This returns `ErrNotFound` when there are no more records.
func (c *Cursor) Next(levels Levels) error {
	if c.broken != nil {
		return c.broken
	}
	if c.valid {
		if levels == Recurse && c.current.typ == TypeNest && c.current.dataSize() > 0 {
			c.stack = append(c.stack, c.scope)
			c.scope = scope{
				start:  c.pos + HeaderSize,
				end:    c.pos + HeaderSize + c.current.dataSize(),
				resume: c.pos + HeaderSize + c.current.paddedSize(),
			}
			c.next = c.scope.start
		} else {
			c.next = c.pos + HeaderSize + c.current.paddedSize()
		}
		c.valid = false
	}

	for {
		if c.next >= c.scope.end {
			if levels != Recurse || len(c.stack) == 0 {
				c.next = c.scope.end
				return ErrNotFound
			}
			c.pop()
			continue
		}

		h, ok, err := c.readHeader(c.next, c.scope.end)
		if err != nil {
			if len(c.stack) == 0 {
				logger.WithFields(logrus.Fields{"offset": c.next}).Debugf("Abandoning payload: %v", err)
				c.broken = err
				return err
			}
			logger.WithFields(logrus.Fields{"offset": c.next, "depth": len(c.stack)}).Warnf("Skipping damaged subtree: %v", err)
			if c.damaged == nil {
				c.damaged = err
			}
			if levels != Recurse {
				c.next = c.scope.end
				return err
			}
			c.pop()
			continue
		}
		if !ok {
			// Padding; nothing else lives in this scope.
			c.next = c.scope.end
			continue
		}

		c.pos = c.next
		c.current = h
		c.valid = true
		return nil
	}
}

func (c *Cursor) pop() {
	resume := c.scope.resume
	c.scope = c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	c.next = resume
}

// FindNext moves to the next record with the given key.
//
// The first match wins; call it again to get the one after that.
// If a damaged subtree had to be skipped and nothing was found, the damage is reported instead of `ErrNotFound`.
func (c *Cursor) FindNext(key FourCC, levels Levels) error {
	for {
		err := c.Next(levels)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				if c.damaged != nil {
					return fmt.Errorf("%s not found: %w", key, c.damaged)
				}
				return fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			return err
		}
		if c.current.key == key {
			return nil
		}
	}
}

// Found returns true if the cursor is on a record.
func (c *Cursor) Found() bool {
	return c.valid
}

// Depth returns the nesting depth of the current record; top-level records are at depth 0.
func (c *Cursor) Depth() int {
	return len(c.stack)
}

// Offset returns the offset of the current record's header.
func (c *Cursor) Offset() int {
	if !c.valid {
		return 0
	}
	return c.pos
}

// Key returns the key of the current record.
func (c *Cursor) Key() FourCC {
	if !c.valid {
		return 0
	}
	return c.current.key
}

// Type returns the type of the current record.
func (c *Cursor) Type() Type {
	if !c.valid {
		return 0
	}
	return c.current.typ
}

// StructSize returns the size in bytes of one sample.
func (c *Cursor) StructSize() int {
	if !c.valid {
		return 0
	}
	return c.current.structSize
}

// ElementSize returns the size in bytes of one element, or 0 for complex records.
func (c *Cursor) ElementSize() int {
	if !c.valid {
		return 0
	}
	return c.current.typ.Size()
}

// ElementsInStruct returns the number of elements in one sample.
func (c *Cursor) ElementsInStruct() int {
	if !c.valid {
		return 0
	}
	layout, err := c.layout()
	if err != nil {
		return 0
	}
	return len(layout)
}

// Repeat returns the number of samples.
func (c *Cursor) Repeat() int {
	if !c.valid {
		return 0
	}
	return c.current.repeat
}

// RawDataSize returns the number of data bytes, without padding.
func (c *Cursor) RawDataSize() int {
	if !c.valid {
		return 0
	}
	return c.current.dataSize()
}

// RawData returns the data bytes of the current record.
//
// The slice is only valid while the payload is held.
func (c *Cursor) RawData() []byte {
	if !c.valid {
		return nil
	}
	start := c.pos + HeaderSize
	return c.buf[start : start+c.current.dataSize()]
}

// Strings decodes a character or date record into one string per sample.
func (c *Cursor) Strings() ([]string, error) {
	if !c.valid {
		return nil, ErrNotFound
	}
	switch c.current.typ {
	case TypeChar, TypeUTCDate:
	default:
		return nil, fmt.Errorf("%s has type %s: %w", c.current.key, c.current.typ, ErrUnsupportedType)
	}
	data := c.RawData()
	size := c.current.structSize
	if size <= 1 {
		// One character per sample is really just one string.
		return []string{strings.Trim(string(data), "\x00 ")}, nil
	}
	var result []string
	for offset := 0; offset+size <= len(data); offset += size {
		result = append(result, strings.Trim(string(data[offset:offset+size]), "\x00 "))
	}
	return result, nil
}

// sibling looks for the closest record with the given key that comes before the current one at the same level.
func (c *Cursor) sibling(key FourCC) (header, int, bool) {
	var found header
	foundOffset := 0
	ok := false
	for offset := c.scope.start; offset < c.pos; {
		h, valid, err := c.readHeader(offset, c.scope.end)
		if err != nil || !valid {
			break
		}
		if h.key == key {
			found = h
			foundOffset = offset
			ok = true
		}
		offset += HeaderSize + h.paddedSize()
	}
	return found, foundOffset, ok
}

// layout returns the type of each element in one sample.
func (c *Cursor) layout() ([]Type, error) {
	h := c.current
	if h.typ == TypeComplex {
		typeHeader, offset, ok := c.sibling(KeyType)
		if !ok {
			return nil, fmt.Errorf("complex record %s has no TYPE: %w", h.key, ErrUnsupportedType)
		}
		start := offset + HeaderSize
		types, err := parseTypeTable(string(c.buf[start : start+typeHeader.dataSize()]), h.structSize)
		if err != nil {
			return nil, err
		}
		size := 0
		for _, t := range types {
			size += t.Size()
		}
		if size != h.structSize {
			return nil, fmt.Errorf("complex record %s: TYPE describes %d bytes but samples are %d bytes: %w", h.key, size, h.structSize, ErrStructuralCorruption)
		}
		return types, nil
	}

	size := h.typ.Size()
	if size == 0 {
		return nil, fmt.Errorf("record %s has unknown type %s: %w", h.key, h.typ, ErrUnsupportedType)
	}
	if h.structSize%size != 0 {
		return nil, fmt.Errorf("record %s: sample size %d is not a multiple of %d: %w", h.key, h.structSize, size, ErrStructuralCorruption)
	}
	types := make([]Type, h.structSize/size)
	for i := range types {
		types[i] = h.typ
	}
	return types, nil
}

// Walk calls the given function for every record in the buffer, depth-first.
func Walk(buf []byte, fn func(c *Cursor) error) error {
	c, err := NewCursor(buf)
	if err != nil {
		return err
	}
	for {
		err = c.Next(Recurse)
		if errors.Is(err, ErrNotFound) {
			return c.damaged
		}
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
}
