// Package refbuf provides a reference-counted buffer used to hand a single
// piece of data (an audio block or a metadata block) to many readers without
// copying it, and to know exactly when it is safe to free.
package refbuf

import "sync/atomic"

// Flag marks special buffer behavior.
type Flag uint8

const (
	// FlagSingleton marks a buffer that is never actually freed: Release
	// is a no-op. Used for the shared "blank metadata" placeholder handed
	// out before a mount has ever received a real ICY title.
	FlagSingleton Flag = 1 << iota
)

// Buf is a reference-counted byte buffer. It is created with one implicit
// reference (the writer's); every reader that keeps a pointer to it must
// call Retain before storing the pointer and Release when done.
//
// Buffers can chain onto each other via Associated, forming a small
// side-band list: audio data holds its ICY metadata, ICY metadata holds an
// FLV-repackaged copy, which holds the iceblock-framed copy. A listener
// walks this chain to grab whichever framing it needs without recomputing
// it per-connection.
type Buf struct {
	Data       []byte
	Associated *Buf
	Flags      Flag

	refcount atomic.Int32
}

// New creates a Buf wrapping data with one reference already held.
func New(data []byte) *Buf {
	b := &Buf{Data: data}
	b.refcount.Store(1)
	return b
}

// blank is the process-wide zero-length metadata block, handed to every
// listener before any real StreamTitle has been seen. It is a singleton so
// that "no metadata yet" never allocates.
var blank = &Buf{Data: []byte{0}, Flags: FlagSingleton}

// Blank returns the shared blank metadata buffer. Callers may Retain and
// Release it like any other Buf; both are no-ops.
func Blank() *Buf {
	return blank
}

// Retain increments the reference count and returns b, so it can be used
// inline: `listener.meta = refbuf.Retain(mount.meta)`.
func Retain(b *Buf) *Buf {
	if b == nil || b.Flags&FlagSingleton != 0 {
		return b
	}
	b.refcount.Add(1)
	return b
}

// Release decrements the reference count. When it reaches zero, the chain
// held via Associated is released too and the buffer's Data is dropped so
// it can be garbage collected even if a stray pointer to the Buf survives.
func (b *Buf) Release() {
	if b == nil || b.Flags&FlagSingleton != 0 {
		return
	}
	if b.refcount.Add(-1) > 0 {
		return
	}
	if b.Associated != nil {
		b.Associated.Release()
		b.Associated = nil
	}
	b.Data = nil
}

// RefCount reports the current reference count, for tests and diagnostics.
func (b *Buf) RefCount() int32 {
	if b == nil {
		return 0
	}
	if b.Flags&FlagSingleton != 0 {
		return 1
	}
	return b.refcount.Load()
}
