package streamsocket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestQCompressor_RoundTrip(t *testing.T) {
	q := NewQCompressor()
	for _, in := range [][]byte{
		{},
		[]byte("a"),
		bytes.Repeat([]byte("stream socket "), 1000),
	} {
		packed, err := q.Compress(in)
		if err != nil {
			t.Fatalf("Compress failed: %v", err)
		}
		if got := binary.BigEndian.Uint32(packed); int(got) != len(in) {
			t.Errorf("size prefix = %d, want %d", got, len(in))
		}

		out, err := q.Decompress(packed)
		if err != nil {
			t.Fatalf("Decompress failed: %v", err)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("round trip mismatch for %d bytes", len(in))
		}
	}
}

func TestQCompressor_ShortInput(t *testing.T) {
	_, err := NewQCompressor().Decompress([]byte{0, 1})
	if !errors.Is(err, ErrShortCompressed) {
		t.Errorf("expected ErrShortCompressed, got %v", err)
	}
}

func TestQCompressor_Garbage(t *testing.T) {
	_, err := NewQCompressor().Decompress([]byte{0, 0, 0, 5, 1, 2, 3})
	if err == nil {
		t.Error("expected error for invalid zlib stream")
	}
}

func TestQCompressor_SizeMismatch(t *testing.T) {
	q := NewQCompressor()
	packed, err := q.Compress([]byte("hello"))
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	binary.BigEndian.PutUint32(packed, 9)

	_, err = q.Decompress(packed)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestQCompressor_MaxSize(t *testing.T) {
	q := &QCompressor{MaxSize: 4}
	packed, err := q.Compress([]byte("hello"))
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	_, err = q.Decompress(packed)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}
