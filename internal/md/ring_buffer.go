// Package md supplies market data for the paper exchange and a small price
// window used while an agent holds a position.
package md

import (
	"errors"
	"sync"
)

// RingBuffer keeps the most recent prices observed for one symbol.
type RingBuffer struct {
	mu     sync.Mutex
	values []float64
	size   int
	index  int
	filled bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		values: make([]float64, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[r.index] = value
	r.index = (r.index + 1) % r.size
	if r.index == 0 {
		r.filled = true
	}
}

func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *RingBuffer) lenLocked() int {
	if r.filled {
		return r.size
	}
	return r.index
}

// Values returns the window oldest first.
func (r *RingBuffer) Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]float64, 0, r.lenLocked())
	if r.filled {
		result = append(result, r.values[r.index:]...)
	}
	return append(result, r.values[:r.index]...)
}

func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = 0
	r.filled = false
}

func (r *RingBuffer) SMA(window int) (float64, error) {
	if window <= 0 {
		return 0, errors.New("window must be positive")
	}
	values := r.Values()
	if len(values) < window {
		return 0, errors.New("not enough data for SMA")
	}
	sum := 0.0
	for _, v := range values[len(values)-window:] {
		sum += v
	}
	return sum / float64(window), nil
}
