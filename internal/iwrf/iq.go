package iwrf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// SampleSize returns the bytes per scalar value for an IQ encoding.
func SampleSize(encoding int32) (int, error) {
	switch encoding {
	case EncodingFloat32:
		return 4, nil
	case EncodingInt16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported iq encoding %d", encoding)
	}
}

// DecodeIQ converts n interleaved I/Q pairs from buf into complex samples.
// Int16 values are mapped through value*scale + offset; a zero scale is
// treated as 1.
func DecodeIQ(buf []byte, n int, encoding int32, scale, offset float32) ([]complex64, error) {
	size, err := SampleSize(encoding)
	if err != nil {
		return nil, err
	}
	if n < 0 || len(buf) < n*2*size {
		return nil, errors.New("DecodeIQ: buffer shorter than sample count")
	}

	out := make([]complex64, n)
	switch encoding {
	case EncodingFloat32:
		for k := 0; k < n; k++ {
			off := k * 8
			i := math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
			q := math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
			out[k] = complex(i, q)
		}
	case EncodingInt16:
		if scale == 0 {
			scale = 1
		}
		for k := 0; k < n; k++ {
			off := k * 4
			i16 := int16(binary.LittleEndian.Uint16(buf[off : off+2]))
			q16 := int16(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
			out[k] = complex(float32(i16)*scale+offset, float32(q16)*scale+offset)
		}
	}
	return out, nil
}

// EncodeIQ is the inverse of DecodeIQ. Int16 values are clamped to the int16
// range after removing offset and scale.
func EncodeIQ(iq []complex64, encoding int32, scale, offset float32) ([]byte, error) {
	size, err := SampleSize(encoding)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(iq)*2*size)

	switch encoding {
	case EncodingFloat32:
		for k, v := range iq {
			off := k * 8
			binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(real(v)))
			binary.LittleEndian.PutUint32(buf[off+4:off+8], math.Float32bits(imag(v)))
		}
	case EncodingInt16:
		if scale == 0 {
			scale = 1
		}
		for k, v := range iq {
			off := k * 4
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(toInt16((real(v)-offset)/scale)))
			binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(toInt16((imag(v)-offset)/scale)))
		}
	}
	return buf, nil
}

func toInt16(v float32) int16 {
	r := math.Round(float64(v))
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}
