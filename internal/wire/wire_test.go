package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/labfeed/labfeed/internal/errors"
)

func TestReadWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	envs := []*Envelope{
		{Id: 1, Type: TypeAuth, Auth: &Auth{Token: "secret"}},
		{Id: 1, Type: TypeAuthResponse, AuthResp: &AuthResponse{OK: true, SessionID: "abc"}},
		{Id: 2, Type: TypePublish, Publish: &Publish{
			FeedID:      "ws/exp/loss",
			TimestampMs: 1000,
			SeqHint:     3,
			HasSeqHint:  true,
			Payload:     []byte{0x01, 0x02},
		}},
		{Id: 3, Type: TypeError, Error: &Error{Code: errors.CodePermissionDenied, Message: "denied"}},
	}

	for _, env := range envs {
		if err := w.Write(env); err != nil {
			t.Fatalf("Write(%s): %v", env.Type, err)
		}
	}

	for _, want := range envs {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got.Id != want.Id || got.Type != want.Type {
			t.Errorf("got %d/%s, want %d/%s", got.Id, got.Type, want.Id, want.Type)
		}
	}
}

func TestReadPreservesPayloads(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.Write(&Envelope{
		Id:   7,
		Type: TypePublish,
		Publish: &Publish{
			FeedID:      "ws/exp/loss",
			TimestampMs: 42,
			ValueType:   1,
			Payload:     []byte{0xde, 0xad, 0xbe, 0xef},
		},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := NewReader(&buf).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Publish == nil {
		t.Fatal("publish payload missing")
	}
	p := got.Publish
	if p.FeedID != "ws/exp/loss" || p.TimestampMs != 42 || p.ValueType != 1 {
		t.Errorf("publish = %+v", p)
	}
	if !bytes.Equal(p.Payload, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("payload = %x", p.Payload)
	}
	if p.HasSeqHint {
		t.Error("HasSeqHint set without a hint")
	}
}

func TestDeterministicEncoding(t *testing.T) {
	env := &Envelope{
		Id:   9,
		Type: TypeSample,
		Sample: &Sample{
			FeedID:      "ws/exp/loss",
			TimestampMs: 1000,
			Seq:         2,
			Payload:     []byte{1, 2, 3},
			Late:        true,
		},
	}

	a, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same envelope encoded to different bytes")
	}
}

func TestReadRejectsOversizedEnvelope(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], 1<<40)
	buf.Write(lenBuf[:n])

	_, err := NewReader(&buf).Read()
	if !errors.Is(err, errors.ErrMalformedMessage) {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
}

func TestReadRejectsGarbageBody(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("this is not cbor")
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	buf.Write(lenBuf[:n])
	buf.Write(body)

	_, err := NewReader(&buf).Read()
	if !errors.Is(err, errors.ErrMalformedMessage) {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
}

func TestNewErrorFromErr(t *testing.T) {
	env := NewErrorFromErr(5, errors.ErrFeedNotFound)
	if env.Id != 5 || env.Type != TypeError || env.Error == nil {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Error.Code != errors.ErrorToCode(errors.ErrFeedNotFound) {
		t.Errorf("code = %d", env.Error.Code)
	}
	if !errors.Is(errors.CodeToError(env.Error.Code), errors.ErrFeedNotFound) {
		t.Error("code does not map back to the sentinel")
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// A future peer may add envelope fields; current decoders must not
	// choke on them.
	raw, err := Marshal(map[int]any{
		1:   uint64(12),
		2:   int(TypeOK),
		100: "from the future",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(raw)))
	buf.Write(lenBuf[:n])
	buf.Write(raw)

	env, err := NewReader(&buf).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if env.Id != 12 || env.Type != TypeOK {
		t.Errorf("envelope = %+v", env)
	}
}
