package gpmf

import "fmt"

// FourCC is a four-character tag packed into 32 bits.
//
// Byte 0 of the tag is the least significant byte.
type FourCC uint32

// Well-known keys.
var (
	KeyDevice       = MustFourCC("DEVC")
	KeyDeviceID     = MustFourCC("DVID")
	KeyDeviceName   = MustFourCC("DVNM")
	KeyStream       = MustFourCC("STRM")
	KeyStreamName   = MustFourCC("STNM")
	KeyScale        = MustFourCC("SCAL")
	KeyType         = MustFourCC("TYPE")
	KeySIUnits      = MustFourCC("SIUN")
	KeyUnits        = MustFourCC("UNIT")
	KeyTotalSamples = MustFourCC("TSMP")
)

// MakeFourCC packs four bytes into a FourCC.  No validation is performed.
func MakeFourCC(b [4]byte) FourCC {
	return FourCC(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

// ParseFourCC packs a four-character string.
func ParseFourCC(s string) (FourCC, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("tag %q must be exactly 4 bytes long", s)
	}
	key := MakeFourCC([4]byte{s[0], s[1], s[2], s[3]})
	if !key.Valid() {
		return 0, fmt.Errorf("tag %q contains invalid characters", s)
	}
	return key, nil
}

// MustFourCC is like ParseFourCC but panics on error.
func MustFourCC(s string) FourCC {
	key, err := ParseFourCC(s)
	if err != nil {
		panic(err)
	}
	return key
}

// Bytes unpacks the tag.
func (f FourCC) Bytes() [4]byte {
	return [4]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
}

func (f FourCC) String() string {
	b := f.Bytes()
	return string(b[:])
}

// Valid returns true if every byte of the tag is alphanumeric or a space.
func (f FourCC) Valid() bool {
	for _, c := range f.Bytes() {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == ' ':
		default:
			return false
		}
	}
	return true
}
