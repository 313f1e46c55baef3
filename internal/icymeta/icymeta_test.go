package icymeta

import "testing"

func TestBuildICYBlockPadsTo16Bytes(t *testing.T) {
	b := NewBuilder(DefaultCharset)
	u := b.Build("Artist - Title")

	data := u.ICY.Data
	if len(data) == 0 {
		t.Fatalf("expected non-empty ICY block")
	}

	blockCount := int(data[0])
	if len(data) != 1+blockCount*16 {
		t.Fatalf("ICY block not padded to 16-byte boundary: len=%d blockCount=%d", len(data), blockCount)
	}
}

func TestBuildEmptyTitleIsZeroBlock(t *testing.T) {
	b := NewBuilder(DefaultCharset)
	u := b.Build("")

	if len(u.ICY.Data) != 1 || u.ICY.Data[0] != 0 {
		t.Fatalf("expected single zero byte for empty title, got %v", u.ICY.Data)
	}
}

func TestChainChangedLinksAllThreeFramings(t *testing.T) {
	b := NewBuilder(DefaultCharset)
	u := b.Build("Now Playing")

	if u.ICY.Associated != u.FLV {
		t.Fatalf("expected ICY to chain to FLV")
	}
	if u.FLV.Associated != u.Iceblock {
		t.Fatalf("expected FLV to chain to iceblock")
	}
}

func TestIceblockLengthPrefixSetsSentinelBit(t *testing.T) {
	b := NewBuilder(DefaultCharset)
	u := b.Build("Title")

	data := u.Iceblock.Data
	if len(data) < 2 {
		t.Fatalf("expected at least a 2-byte length prefix")
	}
	length := uint16(data[0])<<8 | uint16(data[1])
	if length&iceblockSentinel == 0 {
		t.Fatalf("expected sentinel high bit to be set")
	}
	if int(length&^iceblockSentinel) != len(data)-2 {
		t.Fatalf("length prefix does not match payload size")
	}
}

func TestEncodeDecodeRoundTripISO8859_1(t *testing.T) {
	b := NewBuilder("ISO8859-1")
	encoded := b.encode("Café")
	decoded := b.Decode([]byte(encoded))
	if decoded != "Café" {
		t.Fatalf("round trip failed: got %q", decoded)
	}
}

func TestUnknownCharsetFallsBackToUTF8(t *testing.T) {
	b := NewBuilder("bogus-charset")
	if b.encode("hello") != "hello" {
		t.Fatalf("expected passthrough for unknown charset")
	}
}

func TestParseICYBlockRoundTripsBuild(t *testing.T) {
	b := NewBuilder(DefaultCharset)
	u := b.Build("Artist - Title")

	parsed, err := ParseICYBlock(u.ICY.Data)
	if err != nil {
		t.Fatalf("ParseICYBlock: %v", err)
	}
	if parsed.StreamTitle != "Artist - Title" {
		t.Fatalf("expected round-tripped title, got %q", parsed.StreamTitle)
	}
}

func TestParseICYBlockZeroCountIsNoMetadata(t *testing.T) {
	parsed, err := ParseICYBlock([]byte{0})
	if err != nil {
		t.Fatalf("ParseICYBlock: %v", err)
	}
	if parsed != nil {
		t.Fatalf("expected nil for zero-count block, got %+v", parsed)
	}
}

func TestParseICYBlockRejectsTruncatedBlock(t *testing.T) {
	if _, err := ParseICYBlock([]byte{2, 'x'}); err == nil {
		t.Fatalf("expected error for truncated block")
	}
}

func TestParseICYTextExtractsTitleAndURL(t *testing.T) {
	parsed := ParseICYText("StreamTitle='Artist - Song';StreamUrl='http://example.com/';")
	if parsed.StreamTitle != "Artist - Song" {
		t.Fatalf("unexpected title: %q", parsed.StreamTitle)
	}
	if parsed.StreamURL != "http://example.com/" {
		t.Fatalf("unexpected url: %q", parsed.StreamURL)
	}
}

func TestParseICYTextSkipsUnknownTokens(t *testing.T) {
	parsed := ParseICYText("StreamFoo='ignored';StreamTitle='Kept';")
	if parsed.StreamTitle != "Kept" {
		t.Fatalf("unexpected title: %q", parsed.StreamTitle)
	}
}
