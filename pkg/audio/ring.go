package audio

import "sync"

// Ring is a fixed-size circular buffer of 16-bit PCM. The capture path
// writes every device frame into it; muting discards the buffered tail and
// unmuting drains what accumulated during the mute into the encode queue,
// so speech that started just before the toggle is not lost.
type Ring struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	writePos int
	size     int
}

// NewRing sizes the ring for durationMs of audio at sampleRate.
func NewRing(sampleRate, durationMs int) *Ring {
	capacity := sampleRate * durationMs / 1000 * BytesPerSample
	return &Ring{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes when full.
func (r *Ring) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(data)
	if n == 0 {
		return
	}

	if n >= r.capacity {
		copy(r.data, data[n-r.capacity:])
		r.writePos = 0
		r.size = r.capacity
		return
	}

	tail := r.capacity - r.writePos
	if n <= tail {
		copy(r.data[r.writePos:], data)
		r.writePos += n
		if r.writePos == r.capacity {
			r.writePos = 0
		}
	} else {
		copy(r.data[r.writePos:], data[:tail])
		copy(r.data, data[tail:])
		r.writePos = n - tail
	}

	r.size += n
	if r.size > r.capacity {
		r.size = r.capacity
	}
}

// Drain returns the buffered audio in chronological order and empties the
// ring.
func (r *Ring) Drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	out := make([]byte, r.size)
	if r.size < r.capacity {
		copy(out, r.data[:r.size])
	} else {
		head := r.capacity - r.writePos
		copy(out[:head], r.data[r.writePos:])
		copy(out[head:], r.data[:r.writePos])
	}

	r.writePos = 0
	r.size = 0
	return out
}

// Size returns the number of buffered bytes.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity in bytes.
func (r *Ring) Capacity() int {
	return r.capacity
}
