package gpmf_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tekkamanendless/gpmf-processor/gpmf"
)

// orderedPayload has ACCL records at several depths; each holds a single value that gives its document order.
func orderedPayload(t *testing.T) []byte {
	return build(t,
		nest(t, gpmf.KeyDevice,
			nest(t, gpmf.KeyStream,
				str(gpmf.KeyStreamName, "a"),
				values(keyACCL, gpmf.TypeInt16, 1, 1),
			),
			nest(t, gpmf.KeyStream,
				values(keyACCL, gpmf.TypeInt16, 1, 2),
				nest(t, gpmf.KeyStream,
					values(keyACCL, gpmf.TypeInt16, 1, 3),
				),
			),
		),
		values(keyACCL, gpmf.TypeInt16, 1, 4),
	)
}

func firstValue(t *testing.T, c *gpmf.Cursor) float64 {
	t.Helper()
	out := make([]float64, c.ElementsInStruct())
	_, err := gpmf.ScaledData(c, out, 0, 1)
	require.NoError(t, err)
	return out[0]
}

func TestNewCursor(t *testing.T) {
	_, err := gpmf.NewCursor(nil)
	assert.True(t, errors.Is(err, gpmf.ErrStructuralCorruption))

	_, err = gpmf.NewCursor([]byte{'D', 'E', 'V', 'C', 0})
	assert.True(t, errors.Is(err, gpmf.ErrStructuralCorruption))

	c, err := gpmf.NewCursor(orderedPayload(t))
	require.NoError(t, err)
	assert.False(t, c.Found())
}

func TestCursorAccessorsWithoutMatch(t *testing.T) {
	c, err := gpmf.NewCursor(orderedPayload(t))
	require.NoError(t, err)

	assert.Equal(t, gpmf.FourCC(0), c.Key())
	assert.Equal(t, gpmf.Type(0), c.Type())
	assert.Equal(t, 0, c.StructSize())
	assert.Equal(t, 0, c.ElementSize())
	assert.Equal(t, 0, c.ElementsInStruct())
	assert.Equal(t, 0, c.Repeat())
	assert.Equal(t, 0, c.RawDataSize())
	assert.Nil(t, c.RawData())

	out := make([]float64, 4)
	_, err = gpmf.ScaledData(c, out, 0, 1)
	assert.True(t, errors.Is(err, gpmf.ErrNotFound))

	err = c.FindNext(keyMAGN, gpmf.Recurse)
	assert.True(t, errors.Is(err, gpmf.ErrNotFound))
	assert.Equal(t, gpmf.FourCC(0), c.Key())
	assert.Nil(t, c.RawData())
}

func TestFindNextRecurseVisitsInDocumentOrder(t *testing.T) {
	c, err := gpmf.NewCursor(orderedPayload(t))
	require.NoError(t, err)

	var seen []float64
	var depths []int
	for {
		err := c.FindNext(keyACCL, gpmf.Recurse)
		if errors.Is(err, gpmf.ErrNotFound) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, keyACCL, c.Key())
		seen = append(seen, firstValue(t, c))
		depths = append(depths, c.Depth())
	}
	assert.Equal(t, []float64{1, 2, 3, 4}, seen)
	assert.Equal(t, []int{2, 2, 3, 0}, depths)

	// Exhausted cursors stay exhausted.
	assert.True(t, errors.Is(c.FindNext(keyACCL, gpmf.Recurse), gpmf.ErrNotFound))

	// A reset gives the same sequence again.
	c.ResetState()
	var again []float64
	for c.FindNext(keyACCL, gpmf.Recurse) == nil {
		again = append(again, firstValue(t, c))
	}
	assert.Equal(t, seen, again)
}

func TestFindNextTopLevelNeverDescends(t *testing.T) {
	c, err := gpmf.NewCursor(orderedPayload(t))
	require.NoError(t, err)

	require.NoError(t, c.FindNext(keyACCL, gpmf.TopLevel))
	assert.Equal(t, 0, c.Depth())
	assert.Equal(t, 4.0, firstValue(t, c))

	assert.True(t, errors.Is(c.FindNext(keyACCL, gpmf.TopLevel), gpmf.ErrNotFound))
}

func TestFindNextNestedKeys(t *testing.T) {
	c, err := gpmf.NewCursor(orderedPayload(t))
	require.NoError(t, err)

	count := 0
	for c.FindNext(gpmf.KeyStream, gpmf.Recurse) == nil {
		assert.Equal(t, gpmf.TypeNest, c.Type())
		count++
	}
	assert.Equal(t, 3, count)
}

func TestWalk(t *testing.T) {
	type visit struct {
		key   string
		depth int
	}
	var visits []visit
	err := gpmf.Walk(orderedPayload(t), func(c *gpmf.Cursor) error {
		visits = append(visits, visit{key: c.Key().String(), depth: c.Depth()})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []visit{
		{"DEVC", 0},
		{"STRM", 1},
		{"STNM", 2},
		{"ACCL", 2},
		{"STRM", 1},
		{"ACCL", 2},
		{"STRM", 2},
		{"ACCL", 3},
		{"ACCL", 0},
	}, visits)
}

func TestCursorAccessors(t *testing.T) {
	payload := sensorPayload(t, keyACCL, 10, 0)
	c, err := gpmf.NewCursor(payload)
	require.NoError(t, err)
	require.NoError(t, c.FindNext(keyACCL, gpmf.Recurse))

	assert.Equal(t, keyACCL, c.Key())
	assert.Equal(t, gpmf.TypeInt16, c.Type())
	assert.Equal(t, 6, c.StructSize())
	assert.Equal(t, 2, c.ElementSize())
	assert.Equal(t, 3, c.ElementsInStruct())
	assert.Equal(t, 10, c.Repeat())
	assert.Equal(t, 60, c.RawDataSize())
	assert.Len(t, c.RawData(), 60)
	assert.Equal(t, int16(-1500), int16(binary.BigEndian.Uint16(c.RawData())))
}

func TestTruncatedBuffersAreCorrupt(t *testing.T) {
	payload := sensorPayload(t, keyACCL, 10, 0)
	for cut := 0; cut < len(payload); cut++ {
		buffer := exact(payload[:cut])
		c, err := gpmf.NewCursor(buffer)
		if err != nil {
			assert.True(t, errors.Is(err, gpmf.ErrStructuralCorruption), "cut %d", cut)
			continue
		}
		err = c.FindNext(keyACCL, gpmf.Recurse)
		assert.True(t, errors.Is(err, gpmf.ErrStructuralCorruption), "cut %d: %v", cut, err)

		// The damage sticks.
		err = c.FindNext(keyACCL, gpmf.Recurse)
		assert.True(t, errors.Is(err, gpmf.ErrStructuralCorruption), "cut %d: %v", cut, err)
	}
}

// damagedPayload has a stream whose only child claims more data than the stream holds.
func damagedPayload(t *testing.T) []byte {
	bad := []byte{'G', 'Y', 'R', 'O', byte(gpmf.TypeInt16), 6, 0, 50}
	bad = append(bad, make([]byte, 12)...)
	return build(t,
		nest(t, gpmf.KeyDevice,
			nest(t, gpmf.KeyStream, raw(bad)),
			nest(t, gpmf.KeyStream,
				values(keyACCL, gpmf.TypeInt16, 3, 1, 2, 3),
			),
		),
	)
}

func TestDamagedSubtreeIsSkipped(t *testing.T) {
	c, err := gpmf.NewCursor(damagedPayload(t))
	require.NoError(t, err)

	require.NoError(t, c.FindNext(keyACCL, gpmf.Recurse))
	assert.Equal(t, 1.0, firstValue(t, c))

	c.ResetState()
	err = c.FindNext(keyMAGN, gpmf.Recurse)
	assert.True(t, errors.Is(err, gpmf.ErrStructuralCorruption), "%v", err)
	assert.False(t, errors.Is(err, gpmf.ErrNotFound))
}

func TestInvalidKeyIsCorrupt(t *testing.T) {
	payload := exact(sensorPayload(t, keyACCL, 2, 0))
	payload[1] = 0x01
	c, err := gpmf.NewCursor(payload)
	require.NoError(t, err)
	err = c.FindNext(keyACCL, gpmf.Recurse)
	assert.True(t, errors.Is(err, gpmf.ErrStructuralCorruption))
}

func TestTrailingPaddingIsIgnored(t *testing.T) {
	payload := append(sensorPayload(t, keyACCL, 2, 0), make([]byte, 12)...)
	c, err := gpmf.NewCursor(payload)
	require.NoError(t, err)
	require.NoError(t, c.FindNext(keyACCL, gpmf.Recurse))
	assert.True(t, errors.Is(c.FindNext(keyACCL, gpmf.Recurse), gpmf.ErrNotFound))
}

func TestStrings(t *testing.T) {
	payload := build(t,
		str(gpmf.KeyStreamName, "Accelerometer"),
		func(b *bytes.Buffer) error {
			return gpmf.WriteRecord(b, gpmf.KeySIUnits, gpmf.TypeChar, 4, 3, []byte("m/s\x00rad\x00deg\x00"))
		},
	)
	c, err := gpmf.NewCursor(payload)
	require.NoError(t, err)

	require.NoError(t, c.FindNext(gpmf.KeyStreamName, gpmf.TopLevel))
	name, err := c.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"Accelerometer"}, name)

	require.NoError(t, c.FindNext(gpmf.KeySIUnits, gpmf.TopLevel))
	units, err := c.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"m/s", "rad", "deg"}, units)
}
