// Package mpegsync validates and resynchronizes an MPEG audio bitstream,
// the way a source's raw input has to be checked before it is safe to hand
// to listeners: garbage at the start of a stream, or a dropped byte
// mid-stream, must not propagate as corrupted frames.
package mpegsync

// mpeg1Layer3Bitrates is indexed by the header's bitrate index only: MPEG1
// Layer 3 is the only combination this package recognizes (gocast only
// ever ingests MP3), so it holds that single row rather than the full
// four-version/three-layer ISO table.
var mpeg1Layer3Bitrates = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
var mpeg1SampleRates = [4]int{44100, 48000, 32000, 0}

// FrameLen returns the length in bytes of the MPEG1 Layer 3 frame starting
// at data[0], or 0 if data does not begin with a valid frame header.
func FrameLen(data []byte) int {
	if len(data) < 4 {
		return 0
	}
	if data[0] != 0xFF || (data[1]&0xE0) != 0xE0 {
		return 0
	}

	version := (data[1] >> 3) & 0x03
	layer := (data[1] >> 1) & 0x03
	if version != 0x03 || layer != 0x01 {
		return 0 // only MPEG1 Layer 3 is recognized
	}

	bitrateIdx := (data[2] >> 4) & 0x0F
	sampleIdx := (data[2] >> 2) & 0x03
	padding := (data[2] >> 1) & 0x01
	if bitrateIdx == 0 || bitrateIdx == 0x0F || sampleIdx == 0x03 {
		return 0
	}

	bitrate := mpeg1Layer3Bitrates[bitrateIdx] * 1000
	sampleRate := mpeg1SampleRates[sampleIdx]
	if bitrate == 0 || sampleRate == 0 {
		return 0
	}

	return 144*bitrate/sampleRate + int(padding)
}

// IsFrameStart reports whether data begins with a recognizable MPEG1 Layer 3
// frame header.
func IsFrameStart(data []byte) bool {
	return FrameLen(data) > 0
}

// MaxUnprocessedDefault is the number of leading bytes we will scan through
// looking for the next frame sync before treating the stream as corrupt.
// Matches the reference source's long-standing "unprocessed > 8000" cutoff.
const MaxUnprocessedDefault = 8000

// Resync scans data for the offset of the next valid MPEG frame header,
// starting from the front. It returns the offset and true if a frame sync
// was found within maxUnprocessed bytes; otherwise it returns
// len(data) and false, meaning the caller should discard the whole block
// and wait for more data.
//
// This mirrors format_mp3.c's frame-carry-over loop: bytes before the sync
// point are junk (a partial frame tail, or genuinely corrupt input) and
// must never be forwarded to listeners as audio.
func Resync(data []byte, maxUnprocessed int) (offset int, ok bool) {
	if maxUnprocessed <= 0 {
		maxUnprocessed = MaxUnprocessedDefault
	}

	limit := len(data) - 4
	if limit > maxUnprocessed {
		limit = maxUnprocessed
	}

	for i := 0; i <= limit; i++ {
		if IsFrameStart(data[i:]) {
			return i, true
		}
	}
	return len(data), false
}
