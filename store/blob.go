package store

import (
	"encoding/binary"
	"math"

	"github.com/reveriehq/reverie/errors"
)

// encodeVector packs a float32 vector as little-endian bytes for a BLOB
// column. Nil input encodes to nil.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB column back into a float32 vector.
func decodeVector(buf []byte) ([]float32, error) {
	if buf == nil {
		return nil, nil
	}
	if len(buf)%4 != 0 {
		return nil, errors.New(errors.ErrCodeCorruption, "embedding blob length not a multiple of 4")
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
