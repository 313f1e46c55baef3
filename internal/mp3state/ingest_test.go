package mp3state

import (
	"testing"

	"github.com/gocast/gocast/internal/refbuf"
)

// fakeSink collects what the ingest pipeline would have written to a
// mount, without needing a real stream.Mount.
type fakeSink struct {
	audio   []byte
	titles  []string
	metaBuf *refbuf.Buf
}

func (f *fakeSink) WriteData(data []byte) (int, error) {
	f.audio = append(f.audio, data...)
	return len(data), nil
}

func (f *fakeSink) SetMetadata(title string) {
	f.titles = append(f.titles, title)
}

func (f *fakeSink) SetMetadataBuf(buf *refbuf.Buf) {
	refbuf.Retain(buf)
	if f.metaBuf != nil {
		f.metaBuf.Release()
	}
	f.metaBuf = buf
}

// frame builds a minimal valid MPEG1 Layer 3 frame header plus filler
// bytes, long enough for mpegsync.FrameLen to report a consistent
// length (128kbps/44100Hz: 144*128000/44100 = 417 bytes).
func frame() []byte {
	header := []byte{0xFF, 0xFB, 0x90, 0x00}
	buf := make([]byte, 417)
	copy(buf, header)
	return buf
}

func TestFeedPassthroughWithNoMetadataInterval(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, 0, "")

	data := frame()
	if _, err := s.Feed(data); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(sink.audio) != len(data) {
		t.Fatalf("expected %d bytes written, got %d", len(data), len(sink.audio))
	}
}

func TestFeedCarriesPartialFrameAcrossCalls(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, 0, "")

	full := frame()
	first, second := full[:200], full[200:]

	if _, err := s.Feed(first); err != nil {
		t.Fatalf("Feed 1: %v", err)
	}
	if len(sink.audio) != 0 {
		t.Fatalf("expected partial frame held back, got %d bytes written", len(sink.audio))
	}

	if _, err := s.Feed(second); err != nil {
		t.Fatalf("Feed 2: %v", err)
	}
	if len(sink.audio) != len(full) {
		t.Fatalf("expected full frame written after carry, got %d bytes", len(sink.audio))
	}
}

func TestFeedStripsInlineMetadataAndPublishesTitle(t *testing.T) {
	sink := &fakeSink{}
	audio := frame()
	interval := len(audio)
	s := New(sink, interval, "")

	meta := []byte{2} // 2 blocks = 32 bytes, enough for the token text
	text := []byte("StreamTitle='Hi';")
	meta = append(meta, text...)
	for len(meta) < 1+2*16 {
		meta = append(meta, 0)
	}

	stream := append(append([]byte{}, audio...), meta...)
	stream = append(stream, audio...)

	if _, err := s.Feed(stream); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	if len(sink.titles) != 1 || sink.titles[0] != "Hi" {
		t.Fatalf("expected title publish [Hi], got %v", sink.titles)
	}
	if sink.metaBuf == nil {
		t.Fatalf("expected a metadata RefBuf to be installed")
	}
	if len(sink.audio) != 2*interval {
		t.Fatalf("expected %d audio bytes survived stripping, got %d", 2*interval, len(sink.audio))
	}
}

func TestPublishIsNoOpWhenTitleUnchanged(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, 0, "")
	s.lastTitle = "Same"

	s.publish([]byte("StreamTitle='Same';"))

	if len(sink.titles) != 0 {
		t.Fatalf("expected no republish for unchanged title, got %v", sink.titles)
	}
}

func TestWriteValidatedErrorsWhenResyncNeverFinds(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink, 0, "")
	s.MaxUnprocessed = 16

	garbage := make([]byte, 32)
	for i := range garbage {
		garbage[i] = 0xAA
	}

	if _, err := s.Feed(garbage); err == nil {
		t.Fatalf("expected error for garbage that never resyncs")
	}
}
