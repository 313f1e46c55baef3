// Package listener implements the per-connection write-state machine a
// listener handler drives once headers are sent: which wire framing to
// use (raw, ICY-interleaved, or iceblock), when to interleave a metadata
// update, and how to submit metadata + payload as a single gathered
// write. It has no dependency on net/http so it can be exercised with a
// plain io.Writer in tests.
package listener

import (
	"net"

	"github.com/gocast/gocast/internal/refbuf"
)

// Framing identifies which wire format a Sender writes audio in.
type Framing int

const (
	// FramingRaw sends audio bytes with no interleaved metadata.
	FramingRaw Framing = iota

	// FramingICY interleaves a StreamTitle block every Interval bytes,
	// the classic Shoutcast/Icecast in-band metadata protocol.
	FramingICY

	// FramingIceblock length-prefixes every write, distinguishing a
	// metadata block from an audio block via the sentinel high bit
	// rather than a fixed byte interval.
	FramingIceblock
)

// NegotiateFraming picks a Framing from the two request signals a
// listener handshake carries: an `Icy-MetaData: 1` header asking for
// classic interleaved metadata, and an `icyblocks:`/`IceBlocks:`
// header asking for the newer length-prefixed protocol. Iceblock takes
// priority when a client advertises both, since it subsumes ICY's
// metadata delivery without the fixed-interval bookkeeping.
func NegotiateFraming(icyMetaData, iceBlocks bool) Framing {
	switch {
	case iceBlocks:
		return FramingIceblock
	case icyMetaData:
		return FramingICY
	default:
		return FramingRaw
	}
}

// Writer is the subset of io.Writer a Sender needs. Kept as its own
// interface so tests can pass anything writable, not just an
// http.ResponseWriter or net.Conn.
type Writer interface {
	Write(p []byte) (int, error)
}

// Sender streams audio to one listener connection, interleaving
// metadata per the negotiated Framing and comparing metadata updates by
// RefBuf pointer identity rather than reformatting or string-comparing
// on every write.
type Sender struct {
	w        Writer
	framing  Framing
	interval int

	byteCount int
	lastMeta  *refbuf.Buf

	// pending holds whatever a previous WriteAudio call's net.Buffers
	// gather-write didn't manage to send. net.Buffers.WriteTo consumes
	// fully-written leading slices as it goes, so what's left here is
	// exactly the still-unsent tail — metadata, payload, or both.
	pending net.Buffers
}

// NewSender returns a Sender writing to w with the given framing.
// interval is only meaningful for FramingICY (bytes between metadata
// blocks); it is ignored otherwise.
func NewSender(w Writer, framing Framing, interval int) *Sender {
	return &Sender{w: w, framing: framing, interval: interval}
}

// WriteAudio writes data to the listener, interleaving meta according to
// the Sender's framing. meta may be nil (no metadata published yet); a
// nil-to-nil or unchanged-pointer transition never re-sends metadata
// bytes, matching a mount that hasn't changed its title since the last
// call.
func (s *Sender) WriteAudio(data []byte, meta *refbuf.Buf) error {
	if err := s.flushPending(); err != nil {
		return err
	}

	switch s.framing {
	case FramingICY:
		return s.writeICY(data, meta)
	case FramingIceblock:
		return s.writeIceblock(data, meta)
	default:
		return s.writeRaw(data)
	}
}

func (s *Sender) writeRaw(data []byte) error {
	_, err := s.w.Write(data)
	return err
}

// writeICY interleaves a metadata block every interval bytes. A run of
// data longer than one interval is split across multiple gathered
// writes, one metadata-or-noop block plus one audio segment each.
func (s *Sender) writeICY(data []byte, meta *refbuf.Buf) error {
	if s.interval <= 0 {
		return s.writeRaw(data)
	}

	remaining := data
	for len(remaining) > 0 {
		untilMeta := s.interval - s.byteCount

		var bufs net.Buffers
		if untilMeta <= 0 {
			bufs = append(bufs, icyBlockFor(meta, s.lastMeta))
			s.lastMeta = meta
			s.byteCount = 0
			untilMeta = s.interval
		}

		take := len(remaining)
		if take > untilMeta {
			take = untilMeta
		}
		bufs = append(bufs, remaining[:take])
		remaining = remaining[take:]
		s.byteCount += take

		if err := s.write(bufs); err != nil {
			return err
		}
	}
	return nil
}

// icyBlockFor returns the ICY metadata block to send for this interval:
// the real block when meta differs from what was last sent (by pointer,
// not content), or a single zero byte otherwise. meta == nil is treated
// as the blank singleton.
func icyBlockFor(meta, last *refbuf.Buf) []byte {
	if meta == last {
		return []byte{0}
	}
	if meta == nil {
		return refbuf.Blank().Data
	}
	return meta.Data
}

// writeIceblock length-prefixes data and, when meta has changed since
// the last write, prepends the iceblock-framed metadata block reached
// by walking two Associated hops off the ICY-level RefBuf (ICY -> FLV
// -> iceblock), per the iceblock chain's send_iceblock_to_client
// contract.
func (s *Sender) writeIceblock(data []byte, meta *refbuf.Buf) error {
	var bufs net.Buffers
	if meta != s.lastMeta {
		if block := iceblockFrame(meta); block != nil {
			bufs = append(bufs, block)
		}
		s.lastMeta = meta
	}

	bufs = append(bufs, iceblockHeader(len(data)), data)
	return s.write(bufs)
}

func iceblockFrame(meta *refbuf.Buf) []byte {
	if meta == nil || meta.Associated == nil || meta.Associated.Associated == nil {
		return nil
	}
	return meta.Associated.Associated.Data
}

const iceblockMaxLen = 0x7FFF

func iceblockHeader(n int) []byte {
	if n > iceblockMaxLen {
		n = iceblockMaxLen
	}
	return []byte{byte(n >> 8), byte(n)}
}

// write performs the gathered write, retaining whatever WriteTo leaves
// unsent (on error) as pending for the next call.
func (s *Sender) write(bufs net.Buffers) error {
	if _, err := bufs.WriteTo(s.w); err != nil {
		s.pending = bufs
		return err
	}
	return nil
}

func (s *Sender) flushPending() error {
	if len(s.pending) == 0 {
		return nil
	}
	if _, err := s.pending.WriteTo(s.w); err != nil {
		return err
	}
	s.pending = nil
	return nil
}
