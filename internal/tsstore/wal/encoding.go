// Package wal implements the write-ahead log of the time-series store.
// Every accepted sample is appended here before it is acknowledged, so
// unflushed cache contents survive a crash.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// Sample record format (binary, little-endian):
// - FeedID length (2 bytes) + FeedID string
// - TimestampMs (8 bytes)
// - Seq (4 bytes)
// - ValueType (1 byte)
// - Late (1 byte, bool)
// - Payload length (4 bytes) + encoded payload

// encodeSamples encodes a batch of samples into a binary record body.
func encodeSamples(samples []types.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(samples)*64)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(samples)))

	for i := range samples {
		s := &samples[i]

		payload, err := types.EncodePayload(s)
		if err != nil {
			return nil, fmt.Errorf("sample %d payload: %w", i, err)
		}

		buf = appendString(buf, s.FeedID)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.TimestampMs))
		buf = binary.LittleEndian.AppendUint32(buf, s.Seq)
		buf = append(buf, byte(s.ValueType))
		if s.Late {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
		buf = append(buf, payload...)
	}

	return buf, nil
}

// decodeSamples decodes a record body back into samples.
func decodeSamples(data []byte) ([]types.Sample, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for sample count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	samples := make([]types.Sample, count)
	offset := 4

	for i := 0; i < count; i++ {
		s := &samples[i]
		var err error

		s.FeedID, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d feed id: %w", i, err)
		}

		if offset+14 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for header", i)
		}
		s.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		s.Seq = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		s.ValueType = feed.ValueType(data[offset])
		offset++
		s.Late = data[offset] == 1
		offset++

		if offset+4 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for payload length", i)
		}
		plen := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		if offset+plen > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for payload", i)
		}
		if err := types.DecodePayload(s, data[offset:offset+plen]); err != nil {
			return nil, fmt.Errorf("sample %d payload: %w", i, err)
		}
		offset += plen
	}

	return samples, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
