package rtde

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/conneroisu/rtdebridge/internal/recipe"
)

// Package types of the RTDE protocol.
const (
	cmdRequestProtocolVersion byte = 'V' // 86
	cmdGetURControlVersion    byte = 'v' // 118
	cmdTextMessage            byte = 'M' // 77
	cmdDataPackage            byte = 'U' // 85
	cmdSetupOutputs           byte = 'O' // 79
	cmdSetupInputs            byte = 'I' // 73
	cmdStart                  byte = 'S' // 83
	cmdPause                  byte = 'P' // 80
)

// ProtocolVersion is the RTDE protocol revision this package speaks.
const ProtocolVersion uint16 = 2

// DefaultPort is the controller's RTDE port.
const DefaultPort = 30004

const (
	headerSize    = 3
	maxPacketSize = math.MaxUint16

	typeNotFound = "NOT_FOUND"
	typeInUse    = "IN_USE"
)

// readPacket reads one framed packet: uint16 total size, uint8 command,
// then size-3 bytes of payload.
func readPacket(r *bufio.Reader) (byte, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := int(binary.BigEndian.Uint16(hdr[:2]))
	if size < headerSize {
		return 0, nil, fmt.Errorf("packet size %d smaller than header", size)
	}
	payload := make([]byte, size-headerSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return hdr[2], payload, nil
}

// writePacket frames and writes a packet in a single Write call.
func writePacket(w io.Writer, cmd byte, payload []byte) error {
	size := headerSize + len(payload)
	if size > maxPacketSize {
		return fmt.Errorf("packet of %d bytes exceeds protocol limit", size)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[:2], uint16(size))
	buf[2] = cmd
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

// typeSize returns the encoded size of a field type, or 0 if unknown.
func typeSize(typ string) int {
	switch typ {
	case recipe.TypeBool, recipe.TypeUint8:
		return 1
	case recipe.TypeUint32, recipe.TypeInt32:
		return 4
	case recipe.TypeUint64, recipe.TypeDouble:
		return 8
	case recipe.TypeVector3D:
		return 24
	case recipe.TypeVector6D:
		return 48
	case recipe.TypeVector6Int32, recipe.TypeVector6Uint32:
		return 24
	default:
		return 0
	}
}

// decodeValues decodes a data package body according to types.
func decodeValues(types []string, data []byte) ([]interface{}, error) {
	values := make([]interface{}, len(types))
	off := 0
	for i, typ := range types {
		n := typeSize(typ)
		if n == 0 {
			return nil, fmt.Errorf("unknown field type %q", typ)
		}
		if off+n > len(data) {
			return nil, fmt.Errorf("data package truncated at field %d (%s)", i, typ)
		}
		b := data[off : off+n]
		off += n

		switch typ {
		case recipe.TypeBool:
			values[i] = b[0] != 0
		case recipe.TypeUint8:
			values[i] = b[0]
		case recipe.TypeUint32:
			values[i] = binary.BigEndian.Uint32(b)
		case recipe.TypeInt32:
			values[i] = int32(binary.BigEndian.Uint32(b))
		case recipe.TypeUint64:
			values[i] = binary.BigEndian.Uint64(b)
		case recipe.TypeDouble:
			values[i] = math.Float64frombits(binary.BigEndian.Uint64(b))
		case recipe.TypeVector3D, recipe.TypeVector6D:
			v := make([]float64, n/8)
			for j := range v {
				v[j] = math.Float64frombits(binary.BigEndian.Uint64(b[j*8:]))
			}
			values[i] = v
		case recipe.TypeVector6Int32:
			v := make([]int32, 6)
			for j := range v {
				v[j] = int32(binary.BigEndian.Uint32(b[j*4:]))
			}
			values[i] = v
		case recipe.TypeVector6Uint32:
			v := make([]uint32, 6)
			for j := range v {
				v[j] = binary.BigEndian.Uint32(b[j*4:])
			}
			values[i] = v
		}
	}
	if off != len(data) {
		return nil, fmt.Errorf("data package has %d trailing bytes", len(data)-off)
	}
	return values, nil
}

// encodeValues encodes values according to types. Numeric values are
// converted to the field type when they fit.
func encodeValues(types []string, values []interface{}) ([]byte, error) {
	if len(types) != len(values) {
		return nil, fmt.Errorf("have %d values for %d fields", len(values), len(types))
	}
	var buf []byte
	for i, typ := range types {
		v := values[i]
		var err error
		switch typ {
		case recipe.TypeBool:
			b, ok := v.(bool)
			if !ok {
				err = typeError(typ, v)
				break
			}
			if b {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case recipe.TypeUint8:
			var u uint64
			if u, err = asUint(typ, v, math.MaxUint8); err == nil {
				buf = append(buf, byte(u))
			}
		case recipe.TypeUint32:
			var u uint64
			if u, err = asUint(typ, v, math.MaxUint32); err == nil {
				buf = binary.BigEndian.AppendUint32(buf, uint32(u))
			}
		case recipe.TypeUint64:
			var u uint64
			if u, err = asUint(typ, v, math.MaxUint64); err == nil {
				buf = binary.BigEndian.AppendUint64(buf, u)
			}
		case recipe.TypeInt32:
			var n int64
			if n, err = asInt32(typ, v); err == nil {
				buf = binary.BigEndian.AppendUint32(buf, uint32(int32(n)))
			}
		case recipe.TypeDouble:
			var f float64
			if f, err = asFloat(typ, v); err == nil {
				buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
			}
		case recipe.TypeVector3D, recipe.TypeVector6D:
			buf, err = appendFloatVector(buf, typ, v, typeSize(typ)/8)
		case recipe.TypeVector6Int32:
			vec, ok := v.([]int32)
			if !ok || len(vec) != 6 {
				err = typeError(typ, v)
				break
			}
			for _, n := range vec {
				buf = binary.BigEndian.AppendUint32(buf, uint32(n))
			}
		case recipe.TypeVector6Uint32:
			vec, ok := v.([]uint32)
			if !ok || len(vec) != 6 {
				err = typeError(typ, v)
				break
			}
			for _, n := range vec {
				buf = binary.BigEndian.AppendUint32(buf, n)
			}
		default:
			err = fmt.Errorf("unknown field type %q", typ)
		}
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendFloatVector(buf []byte, typ string, v interface{}, n int) ([]byte, error) {
	var vec []float64
	switch x := v.(type) {
	case []float64:
		vec = x
	case [3]float64:
		vec = x[:]
	case [6]float64:
		vec = x[:]
	}
	if len(vec) != n {
		return buf, typeError(typ, v)
	}
	for _, f := range vec {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
	}
	return buf, nil
}

func asFloat(typ string, v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, typeError(typ, v)
}

func asUint(typ string, v interface{}, limit uint64) (uint64, error) {
	var u uint64
	switch x := v.(type) {
	case uint8:
		u = uint64(x)
	case uint32:
		u = uint64(x)
	case uint64:
		u = x
	case uint:
		u = uint64(x)
	case int:
		if x < 0 {
			return 0, typeError(typ, v)
		}
		u = uint64(x)
	default:
		return 0, typeError(typ, v)
	}
	if u > limit {
		return 0, fmt.Errorf("value %d overflows %s", u, typ)
	}
	return u, nil
}

func asInt32(typ string, v interface{}) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int32:
		return int64(x), nil
	case int:
		n = int64(x)
	case int64:
		n = x
	default:
		return 0, typeError(typ, v)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("value %d overflows %s", n, typ)
	}
	return n, nil
}

func typeError(typ string, v interface{}) error {
	return fmt.Errorf("cannot encode %T as %s", v, typ)
}

// splitTypes parses the comma separated type list of a setup reply.
func splitTypes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// textMessage is a controller log line carried by an 'M' package.
type textMessage struct {
	Message string
	Source  string
	Level   byte
}

// Text message levels.
const (
	levelException byte = iota
	levelError
	levelWarning
	levelInfo
)

func decodeTextMessage(payload []byte) (textMessage, error) {
	var m textMessage
	if len(payload) < 1 {
		return m, fmt.Errorf("empty text message")
	}
	n := int(payload[0])
	if len(payload) < 1+n+1 {
		return m, fmt.Errorf("text message truncated")
	}
	m.Message = string(payload[1 : 1+n])
	rest := payload[1+n:]
	sn := int(rest[0])
	if len(rest) < 1+sn+1 {
		return m, fmt.Errorf("text message source truncated")
	}
	m.Source = string(rest[1 : 1+sn])
	m.Level = rest[1+sn]
	return m, nil
}

func encodeTextMessage(m textMessage) []byte {
	msg := m.Message
	if len(msg) > math.MaxUint8 {
		msg = msg[:math.MaxUint8]
	}
	src := m.Source
	if len(src) > math.MaxUint8 {
		src = src[:math.MaxUint8]
	}
	buf := make([]byte, 0, 3+len(msg)+len(src))
	buf = append(buf, byte(len(msg)))
	buf = append(buf, msg...)
	buf = append(buf, byte(len(src)))
	buf = append(buf, src...)
	buf = append(buf, m.Level)
	return buf
}
