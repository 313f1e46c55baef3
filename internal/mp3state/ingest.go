// Package mp3state validates and packages raw source input before it
// reaches a mount's listeners: it splices out any interleaved ICY
// metadata the source sends, resyncs the MPEG bitstream so a dropped or
// extra byte never propagates as a corrupted frame, and publishes each
// title change as a RefBuf chain the way internal/icymeta builds it.
package mp3state

import (
	"fmt"

	"github.com/gocast/gocast/internal/icymeta"
	"github.com/gocast/gocast/internal/mpegsync"
	"github.com/gocast/gocast/internal/refbuf"
)

// QueueBlockSize is the size audio is chunked to before being handed to
// the mount buffer, matching the reference source's queue_block_size.
const QueueBlockSize = 1400

// Sink is the destination for validated audio bytes and metadata
// updates. *stream.Mount satisfies it without mp3state importing
// internal/stream, keeping the dependency pointed the way the ingest
// call sites already need it (source -> mp3state -> stream).
type Sink interface {
	WriteData(data []byte) (int, error)
	SetMetadata(title string)
	SetMetadataBuf(buf *refbuf.Buf)
}

// State is the per-mount ingest pipeline: one is created per source
// connection and fed sequentially, never concurrently.
type State struct {
	sink Sink

	// metaInterval is the number of audio bytes between inline ICY
	// metadata blocks the source interleaves, or 0 if the source sends
	// plain audio with nothing to splice out.
	metaInterval int
	metaRemain   int
	inMeta       bool
	metaLen      int
	metaBuf      []byte

	// MaxUnprocessed overrides mpegsync's resync cutoff; 0 means use
	// mpegsync.MaxUnprocessedDefault.
	MaxUnprocessed int

	carry   []byte
	builder *icymeta.Builder
	lastTitle string
	synced  bool
}

// New returns a ready-to-feed State for sink. metaInterval > 0 enables
// inline metadata splicing at that byte interval; charset is passed to
// icymeta.NewBuilder for outbound tag formatting (empty means
// icymeta.DefaultCharset).
func New(sink Sink, metaInterval int, charset string) *State {
	return &State{
		sink:         sink,
		metaInterval: metaInterval,
		metaRemain:   metaInterval,
		builder:      icymeta.NewBuilder(charset),
	}
}

// Feed processes a chunk of raw source input: it strips any interleaved
// metadata, validates the remaining bytes as MPEG frames, and writes
// whatever is confirmed-good audio to the sink. It returns the number of
// input bytes consumed (always len(data), including when it returns an
// error, matching mount.WriteData's (n, err) shape) and an error if the
// stream is too corrupt to continue.
func (s *State) Feed(data []byte) (int, error) {
	audio := s.strip(data)
	if len(audio) == 0 {
		return len(data), nil
	}
	if err := s.writeValidated(audio); err != nil {
		return len(data), err
	}
	return len(data), nil
}

// strip removes interleaved ICY metadata blocks from p, publishing any
// title change to the sink as it goes, and returns the remaining audio
// bytes. With metaInterval <= 0 it is a no-op passthrough.
func (s *State) strip(p []byte) []byte {
	if s.metaInterval <= 0 {
		return p
	}

	out := make([]byte, 0, len(p))
	for len(p) > 0 {
		if s.inMeta {
			need := s.metaLen - len(s.metaBuf)
			take := need
			if take > len(p) {
				take = len(p)
			}
			s.metaBuf = append(s.metaBuf, p[:take]...)
			p = p[take:]
			if len(s.metaBuf) >= s.metaLen {
				s.publish(s.metaBuf)
				s.inMeta = false
				s.metaRemain = s.metaInterval
			}
			continue
		}

		if s.metaRemain == 0 {
			s.metaLen = int(p[0]) * 16
			p = p[1:]
			s.metaBuf = s.metaBuf[:0]
			if s.metaLen == 0 {
				s.metaRemain = s.metaInterval
			} else {
				s.inMeta = true
			}
			continue
		}

		take := s.metaRemain
		if take > len(p) {
			take = len(p)
		}
		out = append(out, p[:take]...)
		p = p[take:]
		s.metaRemain -= take
	}
	return out
}

// publish parses a stripped-and-padded ICY metadata block and, if its
// title differs from the last one published, builds a fresh RefBuf
// chain and installs it on the sink. A no-op parse (identical title, or
// an empty/unparseable block) never touches the sink, preserving
// pointer identity for listeners that have already seen this title.
func (s *State) publish(block []byte) {
	parsed := icymeta.ParseICYText(string(block))
	if parsed == nil || parsed.StreamTitle == "" || parsed.StreamTitle == s.lastTitle {
		return
	}

	s.lastTitle = parsed.StreamTitle
	update := s.builder.Build(parsed.StreamTitle)
	s.sink.SetMetadata(parsed.StreamTitle)
	s.sink.SetMetadataBuf(update.ICY)
	update.ICY.Release() // sink now holds its own reference via Retain
}

// writeValidated resyncs audio against carried-over bytes from the
// previous call and writes whole frames to the sink, holding back any
// trailing partial frame as carry for next time. It mirrors
// format_mp3.c's per-write frame-boundary bookkeeping: a source write
// almost never lands exactly on a frame boundary, so a tail is expected
// on every call, not just the first.
func (s *State) writeValidated(audio []byte) error {
	buf := audio
	if len(s.carry) > 0 {
		buf = append(append([]byte(nil), s.carry...), audio...)
		s.carry = nil
	}

	if !s.synced {
		offset, ok := mpegsync.Resync(buf, s.MaxUnprocessed)
		if !ok {
			if len(buf) >= s.maxUnprocessed() {
				return fmt.Errorf("mp3state: no frame sync found in %d unprocessed bytes", len(buf))
			}
			s.carry = append(s.carry, buf...)
			return nil
		}
		buf = buf[offset:]
		s.synced = true
	}

	end := lastFrameBoundary(buf)
	if end == 0 {
		s.carry = append(s.carry, buf...)
		return nil
	}

	if err := s.writeInBlocks(buf[:end]); err != nil {
		return err
	}
	if end < len(buf) {
		s.carry = append(s.carry, buf[end:]...)
	}
	return nil
}

// writeInBlocks hands data to the sink in QueueBlockSize chunks, the way
// the reference source queues fixed-size refbufs rather than one write
// per source read.
func (s *State) writeInBlocks(data []byte) error {
	for len(data) > 0 {
		n := QueueBlockSize
		if n > len(data) {
			n = len(data)
		}
		if _, err := s.sink.WriteData(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *State) maxUnprocessed() int {
	if s.MaxUnprocessed > 0 {
		return s.MaxUnprocessed
	}
	return mpegsync.MaxUnprocessedDefault
}

// lastFrameBoundary walks complete MPEG frames from the front of buf and
// returns the offset just past the last complete one, or 0 if buf
// doesn't even hold one full frame yet.
func lastFrameBoundary(buf []byte) int {
	offset := 0
	for {
		frameLen := mpegsync.FrameLen(buf[offset:])
		if frameLen == 0 || offset+frameLen > len(buf) {
			return offset
		}
		offset += frameLen
	}
}
