package rtde

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/rtdebridge/internal/recipe"
)

func TestPacketFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePacket(&buf, cmdStart, nil))
	require.NoError(t, writePacket(&buf, cmdDataPackage, []byte{1, 2, 3}))

	assert.Equal(t, []byte{0, 3, 'S', 0, 6, 'U', 1, 2, 3}, buf.Bytes())

	r := bufio.NewReader(&buf)
	cmd, payload, err := readPacket(r)
	require.NoError(t, err)
	assert.Equal(t, cmdStart, cmd)
	assert.Empty(t, payload)

	cmd, payload, err = readPacket(r)
	require.NoError(t, err)
	assert.Equal(t, cmdDataPackage, cmd)
	assert.Equal(t, []byte{1, 2, 3}, payload)

	_, _, err = readPacket(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPacketErrors(t *testing.T) {
	_, _, err := readPacket(bufio.NewReader(bytes.NewReader([]byte{0, 2, 'U'})))
	assert.ErrorContains(t, err, "smaller than header")

	_, _, err = readPacket(bufio.NewReader(bytes.NewReader([]byte{0, 8, 'U', 1})))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWritePacketTooLarge(t *testing.T) {
	err := writePacket(io.Discard, cmdDataPackage, make([]byte, maxPacketSize))
	assert.Error(t, err)
}

func TestValuesRoundTrip(t *testing.T) {
	types := []string{
		recipe.TypeBool,
		recipe.TypeUint8,
		recipe.TypeUint32,
		recipe.TypeUint64,
		recipe.TypeInt32,
		recipe.TypeDouble,
		recipe.TypeVector3D,
		recipe.TypeVector6D,
		recipe.TypeVector6Int32,
		recipe.TypeVector6Uint32,
	}
	values := []interface{}{
		true,
		uint8(200),
		uint32(1 << 31),
		uint64(1 << 63),
		int32(-7),
		math.Pi,
		[]float64{1, 2, 3},
		[]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6},
		[]int32{-1, 0, 1, 2, 3, 4},
		[]uint32{5, 4, 3, 2, 1, 0},
	}

	data, err := encodeValues(types, values)
	require.NoError(t, err)
	assert.Len(t, data, 1+1+4+8+4+8+24+48+24+24)

	decoded, err := decodeValues(types, data)
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

func TestEncodeConvertsNumbers(t *testing.T) {
	data, err := encodeValues(
		[]string{recipe.TypeDouble, recipe.TypeInt32, recipe.TypeUint8, recipe.TypeVector6D},
		[]interface{}{3, 12, 7, [6]float64{1, 2, 3, 4, 5, 6}},
	)
	require.NoError(t, err)

	decoded, err := decodeValues(
		[]string{recipe.TypeDouble, recipe.TypeInt32, recipe.TypeUint8, recipe.TypeVector6D}, data)
	require.NoError(t, err)
	assert.Equal(t, 3.0, decoded[0])
	assert.Equal(t, int32(12), decoded[1])
	assert.Equal(t, uint8(7), decoded[2])
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, decoded[3])
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		typ   string
		value interface{}
	}{
		{"string as double", recipe.TypeDouble, "1.0"},
		{"uint8 overflow", recipe.TypeUint8, 256},
		{"negative uint", recipe.TypeUint32, -1},
		{"int32 overflow", recipe.TypeInt32, int64(math.MaxInt32) + 1},
		{"short vector", recipe.TypeVector6D, []float64{1, 2, 3}},
		{"int as bool", recipe.TypeBool, 1},
		{"unknown type", "FLOAT", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := encodeValues([]string{tt.typ}, []interface{}{tt.value})
			assert.Error(t, err)
		})
	}

	_, err := encodeValues([]string{recipe.TypeDouble}, nil)
	assert.ErrorContains(t, err, "0 values for 1 fields")
}

func TestDecodeRejects(t *testing.T) {
	_, err := decodeValues([]string{recipe.TypeDouble}, []byte{1, 2, 3})
	assert.ErrorContains(t, err, "truncated")

	_, err = decodeValues([]string{recipe.TypeUint8}, []byte{1, 2})
	assert.ErrorContains(t, err, "trailing")

	_, err = decodeValues([]string{"NOT_FOUND"}, []byte{1})
	assert.ErrorContains(t, err, "unknown field type")
}

func TestTextMessage(t *testing.T) {
	m := textMessage{Message: "Protective stop", Source: "RTDE", Level: levelWarning}
	decoded, err := decodeTextMessage(encodeTextMessage(m))
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	_, err = decodeTextMessage(nil)
	assert.Error(t, err)
	_, err = decodeTextMessage([]byte{5, 'a'})
	assert.Error(t, err)
	_, err = decodeTextMessage([]byte{1, 'a', 4, 'b'})
	assert.Error(t, err)
}

func TestSplitTypes(t *testing.T) {
	assert.Nil(t, splitTypes(""))
	assert.Equal(t, []string{"DOUBLE", "NOT_FOUND"}, splitTypes("DOUBLE,NOT_FOUND"))
}

func TestCatalogTypes(t *testing.T) {
	assert.Equal(t, recipe.TypeDouble, outputType("timestamp"))
	assert.Equal(t, recipe.TypeVector6D, outputType("actual_TCP_pose"))
	assert.Equal(t, recipe.TypeInt32, outputType("output_int_register_3"))
	assert.Equal(t, recipe.TypeDouble, outputType("input_double_register_0"))
	assert.Equal(t, typeNotFound, outputType("x"))

	assert.Equal(t, recipe.TypeDouble, inputType("input_double_register_47"))
	assert.Equal(t, typeNotFound, inputType("input_double_register_48"))
	assert.Equal(t, recipe.TypeBool, inputType("input_bit_register_64"))
	assert.Equal(t, typeNotFound, inputType("input_bit_register_0"))
	assert.Equal(t, recipe.TypeUint8, inputType("standard_digital_output"))
	assert.Equal(t, typeNotFound, inputType("timestamp"))
}
