package pullstream

const minAccumulatorSize = 512

// accumulator is a growable ring buffer: bytes are appended at the end and
// drained from the front. Unlike a fixed ring it never rejects a write; it
// doubles its backing array instead.
type accumulator struct {
	data     []byte
	readPos  int
	writePos int
	size     int
}

// newAccumulator creates an accumulator with room for size bytes before the
// first grow.
func newAccumulator(size int) *accumulator {
	if size <= 0 {
		size = minAccumulatorSize
	}
	return &accumulator{
		data: make([]byte, size),
	}
}

// len returns the number of buffered bytes.
func (a *accumulator) len() int {
	return a.size
}

// empty returns true if nothing is buffered.
func (a *accumulator) empty() bool {
	return a.size == 0
}

// read copies buffered bytes into dst, removing them from the front, and
// returns the number of bytes read.
func (a *accumulator) read(dst []byte) int {
	bufLen := len(a.data)

	toRead := min(a.size, len(dst))
	if toRead == 0 {
		return 0
	}

	if a.readPos+toRead <= bufLen {
		copy(dst[:toRead], a.data[a.readPos:a.readPos+toRead])
		a.readPos = (a.readPos + toRead) % bufLen
	} else {
		firstChunk := bufLen - a.readPos
		secondChunk := toRead - firstChunk

		copy(dst[:firstChunk], a.data[a.readPos:])
		copy(dst[firstChunk:toRead], a.data[:secondChunk])

		a.readPos = secondChunk
	}

	a.size -= toRead
	if a.size == 0 {
		a.readPos, a.writePos = 0, 0
	}
	return toRead
}

// next removes up to n bytes from the front and returns them in a freshly
// allocated slice owned by the caller.
func (a *accumulator) next(n int) []byte {
	out := make([]byte, min(n, a.size))
	a.read(out)
	return out
}

// write appends src, growing the backing array when needed.
func (a *accumulator) write(src []byte) int {
	if len(src) == 0 {
		return 0
	}
	if a.size+len(src) > len(a.data) {
		a.grow(a.size + len(src))
	}

	bufLen := len(a.data)
	toWrite := len(src)

	if a.writePos+toWrite <= bufLen {
		copy(a.data[a.writePos:a.writePos+toWrite], src)
		a.writePos = (a.writePos + toWrite) % bufLen
	} else {
		firstChunk := bufLen - a.writePos
		secondChunk := toWrite - firstChunk

		copy(a.data[a.writePos:], src[:firstChunk])
		copy(a.data[:secondChunk], src[firstChunk:])

		a.writePos = secondChunk
	}

	a.size += toWrite
	return toWrite
}

// drainTo moves every buffered byte to the end of dst.
func (a *accumulator) drainTo(dst *accumulator) {
	if a.empty() {
		return
	}
	dst.write(a.next(a.size))
}

// reset drops everything buffered and releases a grown backing array.
func (a *accumulator) reset() {
	a.readPos, a.writePos, a.size = 0, 0, 0
	if len(a.data) > minAccumulatorSize {
		a.data = make([]byte, minAccumulatorSize)
	}
}

// grow reallocates so at least need bytes fit, keeping buffered bytes in
// order at the start of the new array.
func (a *accumulator) grow(need int) {
	newLen := max(2*len(a.data), need, minAccumulatorSize)
	data := make([]byte, newLen)
	n := a.size
	a.read(data[:n])
	a.data = data
	a.readPos = 0
	a.writePos = n % newLen
	a.size = n
}
