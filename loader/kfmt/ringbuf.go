package kfmt

import "io"

// ringBufferSize defines the size of the debug log ring buffer. The whole
// buffer is handed to the kernel at boot time so its size must be a multiple
// of 8 to keep the containing boot tag aligned; it must also be a power of 2
// so that index wrapping can use masking.
const ringBufferSize = 16384

// ringBuffer models a bounded log buffer that overwrites its oldest contents
// once full. All Printf output is captured here so that it can be replayed
// to a late-attached console and handed to the kernel for post-boot
// inspection.
type ringBuffer struct {
	buffer [ringBufferSize]byte
	start  int
	length int
}

// debugLog is the loader-wide debug log. There is exactly one; it is set up
// before any other loader state and survives until kernel entry.
var debugLog ringBuffer

// Write appends len(p) bytes from p to the ring buffer, evicting the oldest
// bytes once the buffer is full.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.length)&(ringBufferSize-1)] = b
		if rb.length < ringBufferSize {
			rb.length++
		} else {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p in chronological order.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.length == 0 {
		return 0, io.EOF
	}

	n := rb.length
	if n > len(p) {
		n = len(p)
	}

	for i := 0; i < n; i++ {
		p[i] = rb.buffer[(rb.start+i)&(ringBufferSize-1)]
	}

	rb.start = (rb.start + n) & (ringBufferSize - 1)
	rb.length -= n

	return n, nil
}

// WriteTo copies the buffered contents to w in chronological order without
// draining the buffer. It is used to replay early boot output to a console
// that comes up late.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var written int64

	for i := 0; i < rb.length; i++ {
		singleByte[0] = rb.buffer[(rb.start+i)&(ringBufferSize-1)]
		n, err := w.Write(singleByte)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// DebugLogSnapshot copies the current debug log contents into dst in
// chronological order and returns the number of bytes copied. It is used to
// construct the Log boot tag.
func DebugLogSnapshot(dst []byte) int {
	n := debugLog.length
	if n > len(dst) {
		n = len(dst)
	}

	for i := 0; i < n; i++ {
		dst[i] = debugLog.buffer[(debugLog.start+i)&(ringBufferSize-1)]
	}

	return n
}

// DebugLogSize returns the number of bytes currently held in the debug log.
func DebugLogSize() int {
	return debugLog.length
}

// ResetDebugLog clears the debug log. Only tests use this; the loader itself
// keeps a single log for its whole lifetime.
func ResetDebugLog() {
	debugLog.start = 0
	debugLog.length = 0
}
