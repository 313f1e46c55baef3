// Package icymeta builds the ICY inline-metadata block from a stream title
// and chains onto it the two other framings a listener might ask for: an
// FLV metadata tag and an iceblock length-prefixed frame. Building all
// three whenever the title changes means a listener's hot path never has
// to reformat metadata per-connection, only walk the chain built once at
// publish time.
package icymeta

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gocast/gocast/internal/refbuf"
	"golang.org/x/text/encoding/charmap"
)

// DefaultCharset is the charset mounts are assumed to declare their tags in
// when talking to legacy ICY clients, matching the reference source's
// mp3_set_tag default.
const DefaultCharset = "ISO8859-1"

// Update holds one publish's worth of metadata in each wire framing.
type Update struct {
	// StreamTitle is the raw UTF-8 title this update carries.
	StreamTitle string

	// ICY is the classic `StreamTitle='...';` block, padded to a 16-byte
	// boundary with a leading block-count byte, ready to interleave into
	// an audio stream at icy-metaint intervals.
	ICY *refbuf.Buf

	// FLV is a minimal onMetaData-equivalent tag carrying the same title,
	// chained off ICY so an FLV-framed listener can reach it without a
	// second publish path.
	FLV *refbuf.Buf

	// Iceblock is the same title framed as a 2-byte length-prefixed block
	// per the iceblock listener protocol.
	Iceblock *refbuf.Buf
}

// Builder produces Update chains for a single mount, applying that mount's
// declared tag charset when talking to clients that expect ISO8859-1
// rather than UTF-8 in the ICY block (most legacy players).
type Builder struct {
	charset string
}

// NewBuilder returns a Builder for the given charset name. An empty name
// means DefaultCharset; with an unrecognized name, titles are passed
// through as UTF-8 without conversion.
func NewBuilder(charset string) *Builder {
	if charset == "" {
		charset = DefaultCharset
	}
	return &Builder{charset: charset}
}

// Build formats title into the ICY/FLV/iceblock chain. Each layer holds a
// single reference to the next via Associated; the caller owns the
// returned Update.ICY reference and must Release it (which cascades).
func (b *Builder) Build(title string) *Update {
	encoded := b.encode(title)

	icy := buildICYBlock(encoded)
	flv := buildFLVTag(title)
	block := buildIceblock(encoded)

	icy.Associated = flv
	flv.Associated = block

	return &Update{
		StreamTitle: title,
		ICY:         icy,
		FLV:         flv,
		Iceblock:    block,
	}
}

// encode converts title from UTF-8 to the mount's declared charset for the
// wire, following format_mp3.c's util_conv_string call in mp3_set_tag. On
// any encoding error (title has characters the charset can't represent)
// the original UTF-8 bytes are sent rather than dropping the update.
func (b *Builder) encode(title string) string {
	if strings.EqualFold(b.charset, "UTF-8") || strings.EqualFold(b.charset, "UTF8") {
		return title
	}

	enc := charmapByName(b.charset)
	if enc == nil {
		return title
	}

	out, err := enc.NewEncoder().String(title)
	if err != nil {
		return title
	}
	return out
}

// Decode converts bytes received in the mount's declared charset (e.g. an
// inbound ice-name header) back into UTF-8 for internal storage.
func (b *Builder) Decode(raw []byte) string {
	if strings.EqualFold(b.charset, "UTF-8") || strings.EqualFold(b.charset, "UTF8") {
		return string(raw)
	}

	enc := charmapByName(b.charset)
	if enc == nil {
		return string(raw)
	}

	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func charmapByName(name string) *charmap.Charmap {
	switch strings.ToUpper(strings.ReplaceAll(name, "_", "")) {
	case "ISO8859-1", "ISO88591", "LATIN1":
		return charmap.ISO8859_1
	case "ISO8859-15", "ISO885915", "LATIN9":
		return charmap.ISO8859_15
	case "WINDOWS-1252", "WINDOWS1252", "CP1252":
		return charmap.Windows1252
	default:
		return nil
	}
}

// escapeICY escapes characters that would break the StreamTitle='...';
// wire format.
func escapeICY(s string) string {
	s = strings.ReplaceAll(s, "'", "\\'")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}

// buildICYBlock formats title (already charset-encoded) as a block-count
// byte followed by 16-byte-aligned, zero-padded metadata text.
func buildICYBlock(title string) *refbuf.Buf {
	if title == "" {
		return refbuf.New([]byte{0})
	}

	text := "StreamTitle='" + escapeICY(title) + "';"
	blocks := (len(text) + 15) / 16
	if blocks > 255 {
		blocks = 255
		text = text[:255*16]
	}

	out := make([]byte, 1+blocks*16)
	out[0] = byte(blocks)
	copy(out[1:], text)
	return refbuf.New(out)
}

// buildFLVTag produces a small onMetaData-shaped AMF-ish payload carrying
// the stream title. It is not a full AMF encoder — spec scope stops at
// giving FLV-framed listeners a chain slot to read from, not remuxing.
func buildFLVTag(title string) *refbuf.Buf {
	var sb strings.Builder
	sb.WriteString("onMetaData:StreamTitle=")
	sb.WriteString(title)
	return refbuf.New([]byte(sb.String()))
}

// Parsed holds the tokens extracted from an inbound ICY metadata block.
// Unknown tokens (anything but StreamTitle/StreamUrl) are skipped, per the
// reference source's metadata_update only recognizing those two keys.
type Parsed struct {
	StreamTitle string
	StreamURL   string
}

// ParseICYBlock parses a raw inbound ICY metadata block, including its
// leading block-count byte. A zero count byte means "no metadata this
// interval" and returns (nil, nil), matching the wire format's heartbeat.
func ParseICYBlock(block []byte) (*Parsed, error) {
	if len(block) == 0 {
		return nil, errors.New("icymeta: empty block")
	}

	blocks := int(block[0])
	if blocks == 0 {
		return nil, nil
	}
	if blocks < 1 || blocks > 255 {
		return nil, fmt.Errorf("icymeta: invalid block count byte %d", blocks)
	}

	need := blocks * 16
	if len(block)-1 < need {
		return nil, fmt.Errorf("icymeta: block truncated: want %d bytes, got %d", need, len(block)-1)
	}

	return ParseICYText(string(block[1 : 1+need])), nil
}

// ParseICYText parses the StreamTitle='...'/StreamUrl='...' token text
// already stripped of its length prefix. Trailing zero padding is trimmed
// here.
func ParseICYText(text string) *Parsed {
	return parseTokens(strings.TrimRight(text, "\x00"))
}

// parseTokens walks a semicolon-terminated `key='value';` token stream,
// recognizing StreamTitle and StreamUrl and skipping anything else.
func parseTokens(text string) *Parsed {
	p := &Parsed{}
	for len(text) > 0 {
		eq := strings.Index(text, "=")
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(text[:eq])
		rest := text[eq+1:]
		if rest == "" || rest[0] != '\'' {
			break
		}
		rest = rest[1:]

		var val string
		if end := strings.Index(rest, "';"); end >= 0 {
			val = rest[:end]
			rest = rest[end+2:]
		} else {
			val = strings.TrimSuffix(rest, "'")
			rest = ""
		}

		val = strings.ReplaceAll(val, "\\'", "'")
		switch key {
		case "StreamTitle":
			p.StreamTitle = val
		case "StreamUrl":
			p.StreamURL = val
		}
		text = rest
	}
	return p
}

// iceblockSentinel marks the high bit of the 2-byte big-endian length
// prefix in the iceblock wire format, distinguishing a metadata block from
// a plain audio block of the same nominal length.
const iceblockSentinel = 0x8000

// buildIceblock frames encoded title text as a 2-byte length-prefixed
// block, per format_mp3.c's send_iceblock_to_client.
func buildIceblock(title string) *refbuf.Buf {
	payload := []byte(title)
	if len(payload) > 0x7FFF {
		payload = payload[:0x7FFF]
	}

	length := uint16(len(payload)) | iceblockSentinel
	out := make([]byte, 2+len(payload))
	out[0] = byte(length >> 8)
	out[1] = byte(length)
	copy(out[2:], payload)
	return refbuf.New(out)
}
