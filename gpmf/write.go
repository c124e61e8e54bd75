package gpmf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// WriteRecord writes a record.
//
// A record looks like: FourCC Type StructSize Repeat Data Padding
func WriteRecord(writer io.Writer, key FourCC, typ Type, structSize int, repeat int, data []byte) error {
	var err error

	if structSize < 0 || structSize > 0xff {
		return fmt.Errorf("struct size %d does not fit in a byte", structSize)
	}
	if repeat < 0 || repeat > 0xffff {
		return fmt.Errorf("repeat %d does not fit in 16 bits", repeat)
	}
	if len(data) != structSize*repeat {
		return fmt.Errorf("record %s has %d bytes of data; expected %d", key, len(data), structSize*repeat)
	}

	typeCode := key.Bytes()
	_, err = writer.Write(typeCode[:])
	if err != nil {
		return err
	}
	_, err = writer.Write([]byte{byte(typ), byte(structSize)})
	if err != nil {
		return err
	}
	err = binary.Write(writer, binary.BigEndian, uint16(repeat))
	if err != nil {
		return err
	}
	_, err = writer.Write(data)
	if err != nil {
		return err
	}
	if padding := (4 - len(data)%4) % 4; padding > 0 {
		_, err = writer.Write(make([]byte, padding))
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteNest writes a record that contains other records.
func WriteNest(writer io.Writer, key FourCC, children []byte) error {
	if len(children) <= 0xffff {
		return WriteRecord(writer, key, TypeNest, 1, len(children), children)
	}
	if len(children)%4 != 0 || len(children)/4 > 0xffff {
		return fmt.Errorf("nest %s is too large: %d bytes", key, len(children))
	}
	return WriteRecord(writer, key, TypeNest, 4, len(children)/4, children)
}

// WriteValues writes a numeric record with `elements` values per sample.
func WriteValues(writer io.Writer, key FourCC, typ Type, elements int, values ...float64) error {
	if elements <= 0 || len(values)%elements != 0 {
		return fmt.Errorf("record %s: %d values do not divide into samples of %d", key, len(values), elements)
	}
	data, err := EncodeValues(typ, values...)
	if err != nil {
		return err
	}
	return WriteRecord(writer, key, typ, typ.Size()*elements, len(values)/elements, data)
}

// WriteString writes a character record.
func WriteString(writer io.Writer, key FourCC, value string) error {
	return WriteRecord(writer, key, TypeChar, len(value), 1, []byte(value))
}

// EncodeValues encodes numbers as big-endian elements of the given type.
func EncodeValues(typ Type, values ...float64) ([]byte, error) {
	buffer := new(bytes.Buffer)
	for _, value := range values {
		var v interface{}
		switch typ {
		case TypeInt8:
			v = int8(value)
		case TypeUint8:
			v = uint8(value)
		case TypeInt16:
			v = int16(value)
		case TypeUint16:
			v = uint16(value)
		case TypeInt32:
			v = int32(value)
		case TypeUint32:
			v = uint32(value)
		case TypeInt64:
			v = int64(value)
		case TypeUint64:
			v = uint64(value)
		case TypeFloat32:
			v = float32(value)
		case TypeFloat64:
			v = value
		case TypeQ15:
			v = int32(math.Round(value * 65536))
		case TypeQ31:
			v = int64(math.Round(value * 4294967296))
		default:
			return nil, fmt.Errorf("cannot encode type %s: %w", typ, ErrUnsupportedType)
		}
		err := binary.Write(buffer, binary.BigEndian, v)
		if err != nil {
			return nil, err
		}
	}
	return buffer.Bytes(), nil
}
