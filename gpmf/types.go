package gpmf

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Type is a record's type code.
type Type byte

// Type constants.
const (
	TypeNest    Type = 0x00 // Nested records.
	TypeInt8    Type = 'b'
	TypeUint8   Type = 'B'
	TypeChar    Type = 'c' // ASCII string.
	TypeFloat64 Type = 'd'
	TypeFloat32 Type = 'f'
	TypeFourCC  Type = 'F'
	TypeGUID    Type = 'G' // 128-bit identifier.
	TypeInt64   Type = 'j'
	TypeUint64  Type = 'J'
	TypeInt32   Type = 'l'
	TypeUint32  Type = 'L'
	TypeQ15     Type = 'q' // Q15.16 fixed point.
	TypeQ31     Type = 'Q' // Q31.32 fixed point.
	TypeInt16   Type = 's'
	TypeUint16  Type = 'S'
	TypeUTCDate Type = 'U' // "yymmddhhmmss.sss"
	TypeComplex Type = '?' // Layout described by a TYPE sibling.
)

// maxStructSize is the largest sample size a header can describe.
const maxStructSize = 0xff

type typeInfo struct {
	size    int
	numeric bool
}

var typeTable = map[Type]typeInfo{
	TypeNest:    {size: 1},
	TypeInt8:    {size: 1, numeric: true},
	TypeUint8:   {size: 1, numeric: true},
	TypeChar:    {size: 1},
	TypeFloat64: {size: 8, numeric: true},
	TypeFloat32: {size: 4, numeric: true},
	TypeFourCC:  {size: 4},
	TypeGUID:    {size: 16},
	TypeInt64:   {size: 8, numeric: true},
	TypeUint64:  {size: 8, numeric: true},
	TypeInt32:   {size: 4, numeric: true},
	TypeUint32:  {size: 4, numeric: true},
	TypeQ15:     {size: 4, numeric: true},
	TypeQ31:     {size: 8, numeric: true},
	TypeInt16:   {size: 2, numeric: true},
	TypeUint16:  {size: 2, numeric: true},
	TypeUTCDate: {size: 16},
	TypeComplex: {size: 0},
}

// Known returns true if this is a defined type code.
func (t Type) Known() bool {
	_, ok := typeTable[t]
	return ok
}

// Size returns the width in bytes of one element of this type.
//
// Complex and unknown types have a size of 0.
func (t Type) Size() int {
	return typeTable[t].size
}

// Numeric returns true if elements of this type convert to a number.
func (t Type) Numeric() bool {
	return typeTable[t].numeric
}

func (t Type) String() string {
	if t == TypeNest {
		return "nest"
	}
	if t >= ' ' && t <= '~' {
		return string(rune(t))
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

// value converts one big-endian element.  The slice must hold at least Size() bytes.
func (t Type) value(b []byte) (float64, bool) {
	switch t {
	case TypeInt8:
		return float64(int8(b[0])), true
	case TypeUint8:
		return float64(b[0]), true
	case TypeInt16:
		return float64(int16(binary.BigEndian.Uint16(b))), true
	case TypeUint16:
		return float64(binary.BigEndian.Uint16(b)), true
	case TypeInt32:
		return float64(int32(binary.BigEndian.Uint32(b))), true
	case TypeUint32:
		return float64(binary.BigEndian.Uint32(b)), true
	case TypeInt64:
		return float64(int64(binary.BigEndian.Uint64(b))), true
	case TypeUint64:
		return float64(binary.BigEndian.Uint64(b)), true
	case TypeFloat32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), true
	case TypeFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), true
	case TypeQ15:
		return float64(int32(binary.BigEndian.Uint32(b))) / 65536.0, true
	case TypeQ31:
		return float64(int64(binary.BigEndian.Uint64(b))) / 4294967296.0, true
	default:
		return 0, false
	}
}

// parseTypeTable expands a TYPE string such as "ffsS" or "f[3]L" into one type per element.
//
// The expansion may not describe more than structSize bytes.
func parseTypeTable(s string, structSize int) ([]Type, error) {
	var result []Type
	total := 0
	for i := 0; i < len(s); i++ {
		t := Type(s[i])
		if t == TypeNest {
			// TYPE strings are often null-padded.
			break
		}
		if !t.Known() || t == TypeComplex {
			return nil, fmt.Errorf("unknown type %q at position %d of %q: %w", s[i], i, s, ErrUnsupportedType)
		}
		count := 1
		if i+1 < len(s) && s[i+1] == '[' {
			end := i + 2
			for end < len(s) && s[end] != ']' {
				end++
			}
			if end >= len(s) {
				return nil, fmt.Errorf("unterminated array in %q: %w", s, ErrStructuralCorruption)
			}
			n, err := strconv.Atoi(s[i+2 : end])
			if err != nil || n <= 0 || n > maxStructSize {
				return nil, fmt.Errorf("bad array length in %q: %w", s, ErrStructuralCorruption)
			}
			count = n
			i = end
		}
		if count*t.Size() > structSize-total {
			return nil, fmt.Errorf("TYPE %q describes more than %d bytes: %w", s, structSize, ErrStructuralCorruption)
		}
		total += count * t.Size()
		for j := 0; j < count; j++ {
			result = append(result, t)
		}
	}
	return result, nil
}
