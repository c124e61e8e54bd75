package gpmf_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tekkamanendless/gpmf-processor/gpmf"
)

var (
	keyACCL = gpmf.MustFourCC("ACCL")
	keyGYRO = gpmf.MustFourCC("GYRO")
	keyMAGN = gpmf.MustFourCC("MAGN")
)

// build runs the writer functions one after another and returns the bytes.
func build(t *testing.T, writers ...func(b *bytes.Buffer) error) []byte {
	t.Helper()
	buffer := new(bytes.Buffer)
	for _, w := range writers {
		require.NoError(t, w(buffer))
	}
	return buffer.Bytes()
}

func nest(t *testing.T, key gpmf.FourCC, writers ...func(b *bytes.Buffer) error) func(b *bytes.Buffer) error {
	children := build(t, writers...)
	return func(b *bytes.Buffer) error {
		return gpmf.WriteNest(b, key, children)
	}
}

func values(key gpmf.FourCC, typ gpmf.Type, elements int, v ...float64) func(b *bytes.Buffer) error {
	return func(b *bytes.Buffer) error {
		return gpmf.WriteValues(b, key, typ, elements, v...)
	}
}

func str(key gpmf.FourCC, value string) func(b *bytes.Buffer) error {
	return func(b *bytes.Buffer) error {
		return gpmf.WriteString(b, key, value)
	}
}

func raw(data []byte) func(b *bytes.Buffer) error {
	return func(b *bytes.Buffer) error {
		_, err := b.Write(data)
		return err
	}
}

// triplets returns `samples` raw three-axis samples, counting up from `base`.
func triplets(samples int, base int) []float64 {
	result := make([]float64, 0, samples*3)
	for i := 0; i < samples*3; i++ {
		result = append(result, float64((base+i)%3000-1500))
	}
	return result
}

// sensorPayload builds a typical payload with one device and one stream.
func sensorPayload(t *testing.T, key gpmf.FourCC, samples int, base int) []byte {
	return build(t,
		nest(t, gpmf.KeyDevice,
			values(gpmf.KeyDeviceID, gpmf.TypeUint32, 1, 1),
			str(gpmf.KeyDeviceName, "Camera"),
			nest(t, gpmf.KeyStream,
				values(gpmf.KeyTotalSamples, gpmf.TypeUint32, 1, float64(samples)),
				str(gpmf.KeyStreamName, "Accelerometer"),
				values(gpmf.KeyScale, gpmf.TypeInt16, 1, 100),
				values(key, gpmf.TypeInt16, 3, triplets(samples, base)...),
			),
		),
	)
}

// exact returns a copy of the bytes whose capacity equals its length.
func exact(b []byte) []byte {
	result := make([]byte, len(b))
	copy(result, b)
	return result
}
