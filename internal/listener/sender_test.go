package listener

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gocast/gocast/internal/refbuf"
)

func TestNegotiateFramingPrefersIceblock(t *testing.T) {
	if got := NegotiateFraming(true, true); got != FramingIceblock {
		t.Fatalf("expected iceblock to win when both requested, got %v", got)
	}
	if got := NegotiateFraming(true, false); got != FramingICY {
		t.Fatalf("expected ICY when only icy-metadata requested, got %v", got)
	}
	if got := NegotiateFraming(false, false); got != FramingRaw {
		t.Fatalf("expected raw when neither requested, got %v", got)
	}
}

func TestWriteRawPassesDataThrough(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf, FramingRaw, 0)

	if err := s.WriteAudio([]byte("audio-bytes"), nil); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if buf.String() != "audio-bytes" {
		t.Fatalf("expected passthrough, got %q", buf.String())
	}
}

func TestWriteICYInsertsZeroBlockBetweenIntervals(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf, FramingICY, 4)

	// A full interval's worth of audio never gets a metadata block
	// ahead of it; the block precedes the *next* interval instead.
	if err := s.WriteAudio([]byte("aaaa"), nil); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if err := s.WriteAudio([]byte("bbbb"), nil); err != nil {
		t.Fatalf("WriteAudio 2: %v", err)
	}

	want := "aaaa" + "\x00" + "bbbb"
	if buf.String() != want {
		t.Fatalf("expected %q, got %q", want, buf.String())
	}
}

func TestWriteICYSendsRealBlockOnMetadataChange(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf, FramingICY, 4)

	meta := refbuf.New([]byte{1, 'x'})
	defer meta.Release()

	if err := s.WriteAudio([]byte("aaaa"), meta); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if buf.String() != "aaaa" {
		t.Fatalf("expected no metadata ahead of the first interval, got %q", buf.String())
	}

	buf.Reset()
	if err := s.WriteAudio([]byte("bbbb"), meta); err != nil {
		t.Fatalf("WriteAudio 2: %v", err)
	}
	want := string(meta.Data) + "bbbb"
	if buf.String() != want {
		t.Fatalf("expected real metadata block ahead of second interval, got %q", buf.String())
	}

	// Third call with the same pointer must not resend the block.
	buf.Reset()
	if err := s.WriteAudio([]byte("cccc"), meta); err != nil {
		t.Fatalf("WriteAudio 3: %v", err)
	}
	want2 := "\x00" + "cccc"
	if buf.String() != want2 {
		t.Fatalf("expected no-op block on unchanged pointer, got %q", buf.String())
	}
}

func TestWriteIceblockFramesEveryPayload(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf, FramingIceblock, 0)

	if err := s.WriteAudio([]byte("ab"), nil); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	got := buf.Bytes()
	if len(got) != 4 {
		t.Fatalf("expected 2-byte header + 2-byte payload, got %d bytes", len(got))
	}
	length := uint16(got[0])<<8 | uint16(got[1])
	if length != 2 {
		t.Fatalf("expected length prefix 2, got %d", length)
	}
	if string(got[2:]) != "ab" {
		t.Fatalf("expected payload 'ab', got %q", got[2:])
	}
}

func TestWriteIceblockPrependsMetadataFrameOnChange(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf, FramingIceblock, 0)

	flv := refbuf.New([]byte("flv"))
	block := refbuf.New([]byte{0x80, 0x03, 'i', 'c', 'e'})
	flv.Associated = block
	icy := refbuf.New([]byte{0})
	icy.Associated = flv
	defer icy.Release()

	if err := s.WriteAudio([]byte("x"), icy); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	got := buf.Bytes()
	if !bytes.HasPrefix(got, block.Data) {
		t.Fatalf("expected iceblock metadata frame prefix, got %v", got)
	}
}

type errWriter struct {
	after int
	n     int
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.n >= e.after {
		return 0, errors.New("boom")
	}
	e.n++
	return len(p), nil
}

func TestWriteAudioSurfacesWriteError(t *testing.T) {
	s := NewSender(&errWriter{after: 0}, FramingRaw, 0)
	if err := s.WriteAudio([]byte("x"), nil); err == nil {
		t.Fatalf("expected error from failing writer")
	}
}
