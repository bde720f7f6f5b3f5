package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/labfeed/labfeed/config"
	"github.com/labfeed/labfeed/internal/errors"
	"github.com/labfeed/labfeed/internal/feed"
)

// Payload wire format by value type:
//   - scalar: 8 bytes, little-endian float64 bits
//   - vector: CBOR-encoded []float64
//   - blob:   1 marker byte (0 = raw, 1 = zstd) + bytes

const (
	blobRaw  byte = 0
	blobZstd byte = 1
)

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("types: zstd encoder initialization failed: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		panic("types: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodePayload serializes the sample's value for the wire and for
// durable storage. Blobs above the compression threshold are
// zstd-compressed.
func EncodePayload(s *Sample) ([]byte, error) {
	switch s.ValueType {
	case feed.ValueScalar:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(s.Scalar))
		return buf[:], nil

	case feed.ValueVector:
		data, err := cbor.Marshal(s.Vector)
		if err != nil {
			return nil, fmt.Errorf("encode vector: %w", err)
		}
		return data, nil

	case feed.ValueBlob:
		if len(s.Blob) >= config.DefaultBlobCompressMin {
			out := make([]byte, 1, len(s.Blob)/2+1)
			out[0] = blobZstd
			return zstdEnc.EncodeAll(s.Blob, out), nil
		}
		out := make([]byte, 0, len(s.Blob)+1)
		out = append(out, blobRaw)
		return append(out, s.Blob...), nil

	default:
		return nil, fmt.Errorf("value type %d: %w", s.ValueType, errors.ErrMalformedMessage)
	}
}

// DecodePayload deserializes a payload into the sample's value field
// according to the sample's ValueType.
func DecodePayload(s *Sample, payload []byte) error {
	switch s.ValueType {
	case feed.ValueScalar:
		if len(payload) != 8 {
			return fmt.Errorf("scalar payload is %d bytes: %w", len(payload), errors.ErrMalformedMessage)
		}
		s.Scalar = math.Float64frombits(binary.LittleEndian.Uint64(payload))
		return nil

	case feed.ValueVector:
		if err := cbor.Unmarshal(payload, &s.Vector); err != nil {
			return fmt.Errorf("decode vector: %w", errors.ErrMalformedMessage)
		}
		return nil

	case feed.ValueBlob:
		if len(payload) == 0 {
			return fmt.Errorf("empty blob payload: %w", errors.ErrMalformedMessage)
		}
		switch payload[0] {
		case blobRaw:
			s.Blob = append([]byte(nil), payload[1:]...)
			return nil
		case blobZstd:
			data, err := zstdDec.DecodeAll(payload[1:], nil)
			if err != nil {
				return fmt.Errorf("decompress blob: %w", errors.ErrMalformedMessage)
			}
			s.Blob = data
			return nil
		default:
			return fmt.Errorf("blob marker %d: %w", payload[0], errors.ErrMalformedMessage)
		}

	default:
		return fmt.Errorf("value type %d: %w", s.ValueType, errors.ErrMalformedMessage)
	}
}
