// Package pe provides PE image primitives over in-memory (virtual layout) buffers.
package pe

// ImageBuffer owns the bytes of one PE image in virtual layout: either a
// reference image mapped from disk or a snapshot of a live module.
type ImageBuffer struct {
	data  []byte
	valid bool
	is64  bool
}

// NewImageBuffer takes ownership of data and derives validity and bitness once.
// Images without parsable headers get their bitness from code inspection.
func NewImageBuffer(data []byte) *ImageBuffer {
	img := &ImageBuffer{data: data}
	if h, err := ParseHeaders(data); err == nil {
		img.valid = true
		img.is64 = h.Is64Bit()
	} else {
		img.is64 = Is64BitCode(data)
	}
	return img
}

// Bytes returns the underlying buffer.
func (b *ImageBuffer) Bytes() []byte {
	return b.data
}

// Size returns the buffer size in bytes.
func (b *ImageBuffer) Size() int {
	return len(b.data)
}

// IsValid reports whether the buffer carried well-formed PE headers at construction.
func (b *ImageBuffer) IsValid() bool {
	return b.valid
}

// Is64Bit returns the cached bitness.
func (b *ImageBuffer) Is64Bit() bool {
	return b.is64
}

// PtrSize returns the pointer width in bytes for the cached bitness.
func (b *ImageBuffer) PtrSize() int {
	if b.is64 {
		return 8
	}
	return 4
}

// Headers parses the current headers of the buffer.
func (b *ImageBuffer) Headers() (*Headers, error) {
	return ParseHeaders(b.data)
}

// Clone returns a deep copy that keeps the cached validity and bitness.
func (b *ImageBuffer) Clone() *ImageBuffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &ImageBuffer{data: data, valid: b.valid, is64: b.is64}
}

// Grow appends n zero bytes to the buffer.
func (b *ImageBuffer) Grow(n int) {
	if n <= 0 {
		return
	}
	b.data = append(b.data, make([]byte, n)...)
}

// Release drops the buffer so it can be collected.
func (b *ImageBuffer) Release() {
	b.data = nil
}
