package mpegsync

import "testing"

// frame160 builds a minimal valid MPEG1 Layer 3, 128kbps, 44100Hz frame
// header followed by junk payload bytes.
func frame160(payloadLen int) []byte {
	header := []byte{0xFF, 0xFB, 0x90, 0x00}
	frame := make([]byte, FrameLen(header))
	copy(frame, header)
	return frame
}

func TestFrameLenValidHeader(t *testing.T) {
	f := frame160(0)
	if len(f) == 0 {
		t.Fatalf("expected non-zero frame length")
	}
	if !IsFrameStart(f) {
		t.Fatalf("expected frame to be recognized as a valid start")
	}
}

func TestFrameLenRejectsGarbage(t *testing.T) {
	garbage := []byte{0x00, 0x01, 0x02, 0x03}
	if FrameLen(garbage) != 0 {
		t.Fatalf("expected garbage to have zero frame length")
	}
}

func TestResyncFindsFrameAfterJunk(t *testing.T) {
	junk := []byte{0x12, 0x34, 0x56}
	f := frame160(0)
	data := append(append([]byte{}, junk...), f...)

	offset, ok := Resync(data, 0)
	if !ok {
		t.Fatalf("expected resync to find the frame")
	}
	if offset != len(junk) {
		t.Fatalf("expected offset %d, got %d", len(junk), offset)
	}
}

func TestResyncGivesUpPastMaxUnprocessed(t *testing.T) {
	junk := make([]byte, 100)
	for i := range junk {
		junk[i] = 0x01
	}

	offset, ok := Resync(junk, 10)
	if ok {
		t.Fatalf("expected resync to fail on pure junk")
	}
	if offset != len(junk) {
		t.Fatalf("expected offset to equal len(data) on failure, got %d", offset)
	}
}
