package ipcconn

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte{1},
		[]byte("hello, orchestrator"),
		bytes.Repeat([]byte{0xAB}, MaxPayload),
	}
	for _, payload := range cases {
		frame, err := EncodeFrame(payload)
		if err != nil {
			t.Fatalf("EncodeFrame(%d bytes): %v", len(payload), err)
		}
		got, consumed, st := parseOneFrame(frame)
		if st != frameOK {
			t.Fatalf("parseOneFrame: status %v, want frameOK", st)
		}
		if consumed != len(frame) {
			t.Fatalf("consumed %d bytes, want %d", consumed, len(frame))
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	}
}

func TestEncodeFrameRejectsBadSizes(t *testing.T) {
	if _, err := EncodeFrame(nil); err != ErrEmptyPayload {
		t.Fatalf("empty payload: got %v, want ErrEmptyPayload", err)
	}
	if _, err := EncodeFrame(make([]byte, MaxPayload+1)); err != ErrPayloadTooBig {
		t.Fatalf("oversized payload: got %v, want ErrPayloadTooBig", err)
	}
}

func TestParseOneFramePartial(t *testing.T) {
	frame, err := EncodeFrame([]byte("partial delivery"))
	if err != nil {
		t.Fatal(err)
	}
	for cut := 0; cut < len(frame); cut++ {
		_, _, st := parseOneFrame(frame[:cut])
		if st != frameNeedMore {
			t.Fatalf("cut at %d: status %v, want frameNeedMore", cut, st)
		}
	}
}

func TestParseOneFrameInvalid(t *testing.T) {
	bad := make([]byte, HeaderSize+4)
	binary.LittleEndian.PutUint32(bad[0:4], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(bad[4:8], 4)
	if _, _, st := parseOneFrame(bad); st != frameInvalid {
		t.Fatalf("wrong signature: status %v, want frameInvalid", st)
	}

	zero := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(zero[0:4], Signature)
	binary.LittleEndian.PutUint32(zero[4:8], 0)
	if _, _, st := parseOneFrame(zero); st != frameInvalid {
		t.Fatalf("zero length: status %v, want frameInvalid", st)
	}

	big := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(big[0:4], Signature)
	binary.LittleEndian.PutUint32(big[4:8], uint32(MaxPayload+1))
	if _, _, st := parseOneFrame(big); st != frameInvalid {
		t.Fatalf("oversized length: status %v, want frameInvalid", st)
	}
}

func TestParseTwoFramesBackToBack(t *testing.T) {
	a, _ := EncodeFrame([]byte("first"))
	b, _ := EncodeFrame([]byte("second"))
	buf := append(append([]byte{}, a...), b...)

	p1, n1, st := parseOneFrame(buf)
	if st != frameOK || string(p1) != "first" {
		t.Fatalf("first frame: status %v payload %q", st, p1)
	}
	p2, n2, st := parseOneFrame(buf[n1:])
	if st != frameOK || string(p2) != "second" {
		t.Fatalf("second frame: status %v payload %q", st, p2)
	}
	if n1+n2 != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n1+n2, len(buf))
	}
}
